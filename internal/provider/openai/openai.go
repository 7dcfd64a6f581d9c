// Package openai adapts OpenAI-compatible chat-completion endpoints.
package openai

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

const Name = "openai"

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

type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage domain.Usage `json:"usage"`
}

func (a *Adapter) Complete(ctx context.Context, route domain.Route, req provider.Request) (*provider.CompletionResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, route.Endpoint+"/chat/completions", req.APIKey, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewUpstreamError(Name, 0, fmt.Errorf("read response: %w", err))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, provider.NewUpstreamError(Name, 0, fmt.Errorf("decode response: %w", err))
	}

	var text string
	if len(parsed.Choices) > 0 {
		text = parsed.Choices[0].Message.Content
	}

	return &provider.CompletionResult{
		Raw:   raw,
		Text:  text,
		Usage: parsed.Usage,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, route domain.Route, req provider.Request, sink provider.Sink) error {
	body, err := json.Marshal(chatRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, route.Endpoint+"/chat/completions", req.APIKey, body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')

		if len(line) > 0 {
			data, isData := strings.CutPrefix(strings.TrimRight(string(line), "\r\n"), "data: ")
			if isData && data == "[DONE]" {
				// the upstream terminator is swallowed; the
				// orchestrator owns the downstream one
				return nil
			}
			if isData {
				scanUsage([]byte(data), sink)
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

// scanUsage looks for the usage object OpenAI emits on the final chunk
// when stream_options.include_usage is set.
func scanUsage(data []byte, sink provider.Sink) {
	if !bytes.Contains(data, []byte(`"usage"`)) {
		return
	}
	var chunk struct {
		Usage *domain.Usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}
	if chunk.Usage != nil {
		sink.OnUsage(*chunk.Usage)
	}
}

func (a *Adapter) post(ctx context.Context, url, apiKey string, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
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
