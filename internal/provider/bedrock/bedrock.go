// Package bedrock adapts AWS Bedrock model invocation (Anthropic payload
// convention) to the gateway's adapter contract.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/provider"
)

const Name = "bedrock"

type Adapter struct {
	client *bedrockruntime.Client
}

func New(ctx context.Context, region string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}, nil
}

func NewWithConfig(cfg aws.Config) *Adapter {
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg)}
}

func (a *Adapter) Name() string { return Name }

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
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

func toRequest(req provider.Request) invokeRequest {
	var system string
	messages := make([]message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			system = m.Content
			continue
		}
		messages = append(messages, message{Role: m.Role, Content: m.Content})
	}

	return invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		Messages:         messages,
		System:           system,
		Temperature:      req.Temperature,
	}
}

func (a *Adapter) Complete(ctx context.Context, route domain.Route, req provider.Request) (*provider.CompletionResult, error) {
	body, err := json.Marshal(toRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, provider.NewUpstreamError(Name, 0, fmt.Errorf("invoke model: %w", err))
	}

	var parsed invokeResponse
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, provider.NewUpstreamError(Name, 0, fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &provider.CompletionResult{
		Raw:  output.Body,
		Text: text.String(),
		Usage: domain.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
	}, nil
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *usage `json:"usage,omitempty"`
}

func (a *Adapter) Stream(ctx context.Context, route domain.Route, req provider.Request, sink provider.Sink) error {
	body, err := json.Marshal(toRequest(req))
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	output, err := a.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return provider.NewUpstreamError(Name, 0, fmt.Errorf("invoke model stream: %w", err))
	}

	stream := output.GetStream()
	defer stream.Close()

	var inputTokens int
	for event := range stream.Events() {
		chunk, ok := event.(*types.ResponseStreamMemberChunk)
		if !ok {
			continue
		}

		inputTokens = scanUsage(chunk.Value.Bytes, inputTokens, sink)

		// re-frame as SSE so callers see the same event framing as the
		// direct Anthropic route
		if cerr := sink.Chunk(append(append([]byte("data: "), chunk.Value.Bytes...), '\n', '\n')); cerr != nil {
			return cerr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return provider.NewUpstreamError(Name, 0, fmt.Errorf("stream: %w", err))
	}
	return nil
}

func scanUsage(data []byte, inputTokens int, sink provider.Sink) int {
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
