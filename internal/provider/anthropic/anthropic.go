// Package anthropic adapts the Anthropic messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/httputil"
	"github.com/routegate/routegate/internal/provider"
)

const (
	Name             = "anthropic"
	anthropicVersion = "2023-06-01"
)

type Adapter struct {
	client *http.Client
}

func New(client *http.Client) *Adapter {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Adapter{client: client}
}

func (a *Adapter) Name() string { return Name }

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage usage `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// toRequest splits out the system prompt the way the messages API wants it.
func toRequest(req provider.Request, stream bool) messagesRequest {
	var system string
	messages := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = m.Content
			continue
		}
		messages = append(messages, message{Role: m.Role, Content: m.Content})
	}

	return messagesRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		System:      system,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (a *Adapter) Complete(ctx context.Context, route domain.Route, req provider.Request) (*provider.CompletionResult, error) {
	body, err := json.Marshal(toRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, route.Endpoint+"/messages", req.APIKey, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewUpstreamError(Name, 0, fmt.Errorf("read response: %w", err))
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, provider.NewUpstreamError(Name, 0, fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &provider.CompletionResult{
		Raw:  raw,
		Text: text.String(),
		Usage: domain.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

// streamEvent is the subset of message stream events carrying usage.
// message_start reports input tokens, message_delta reports the running
// output total.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *usage `json:"usage,omitempty"`
}

func (a *Adapter) Stream(ctx context.Context, route domain.Route, req provider.Request, sink provider.Sink) error {
	body, err := json.Marshal(toRequest(req, true))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, route.Endpoint+"/messages", req.APIKey, body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var inputTokens int
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')

		if len(line) > 0 {
			if data, ok := strings.CutPrefix(strings.TrimRight(string(line), "\r\n"), "data: "); ok {
				inputTokens = scanUsage([]byte(data), inputTokens, sink)
			}
			if cerr := sink.Chunk(line); cerr != nil {
				return cerr
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return provider.NewUpstreamError(Name, 0, fmt.Errorf("read stream: %w", err))
		}
	}
}

func scanUsage(data []byte, inputTokens int, sink provider.Sink) int {
	if !bytes.Contains(data, []byte(`"usage"`)) {
		return inputTokens
	}

	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return inputTokens
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			inputTokens = ev.Message.Usage.InputTokens
		}
	case "message_delta":
		if ev.Usage != nil {
			sink.OnUsage(domain.Usage{
				PromptTokens:     inputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      inputTokens + ev.Usage.OutputTokens,
			})
		}
	}
	return inputTokens
}

func (a *Adapter) post(ctx context.Context, url, apiKey string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.NewUpstreamError(Name, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, provider.NewUpstreamError(Name, resp.StatusCode,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, string(bodyBytes)))
	}
	return resp, nil
}
