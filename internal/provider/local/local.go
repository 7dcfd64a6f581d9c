// Package local adapts an Ollama-compatible local inference server. The
// protocol is line-delimited JSON rather than SSE; the final object sets
// done and carries token counts.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/httputil"
	"github.com/routegate/routegate/internal/provider"
)

const Name = "local"

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
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  *options         `json:"options,omitempty"`
}

type options struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

func (a *Adapter) Complete(ctx context.Context, route domain.Route, req provider.Request) (*provider.CompletionResult, error) {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
		Options:  &options{NumPredict: req.MaxTokens, Temperature: req.Temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, route.Endpoint+"/api/chat", body)
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

	return &provider.CompletionResult{
		Raw:  raw,
		Text: parsed.Message.Content,
		Usage: domain.Usage{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, route domain.Route, req provider.Request, sink provider.Sink) error {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Options:  &options{NumPredict: req.MaxTokens, Temperature: req.Temperature},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.post(ctx, route.Endpoint+"/api/chat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')

		if len(line) > 0 {
			scanUsage(bytes.TrimSpace(line), sink)
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

// scanUsage reads token counts off the terminal done-object.
func scanUsage(line []byte, sink provider.Sink) {
	if len(line) == 0 || !bytes.Contains(line, []byte(`"done"`)) {
		return
	}
	var chunk chatResponse
	if err := json.Unmarshal(line, &chunk); err != nil || !chunk.Done {
		return
	}
	sink.OnUsage(domain.Usage{
		PromptTokens:     chunk.PromptEvalCount,
		CompletionTokens: chunk.EvalCount,
		TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
	})
}

func (a *Adapter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

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
