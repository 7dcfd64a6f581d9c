// Package queue exports accounted usage records to SQS for downstream
// billing pipelines. Export is best-effort: records flow through a
// bounded buffer and are dropped with a log line when the buffer is
// full or SQS is unavailable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/routegate/routegate/internal/domain"
)

// UsageEvent is the wire form of one accounted request.
type UsageEvent struct {
	Tenant           string    `json:"tenant"`
	TraceID          string    `json:"trace_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher sends one usage event. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event UsageEvent) error
}

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Tenant": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Tenant),
			},
		},
	}
	if event.TraceID != "" {
		input.MessageAttributes["TraceID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(event.TraceID),
		}
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

// Exporter drains usage events to a Publisher on a background worker so
// the request path never waits on SQS.
type Exporter struct {
	publisher Publisher
	events    chan UsageEvent
	done      chan struct{}
	closeOnce sync.Once
}

const exporterBuffer = 256

func NewExporter(publisher Publisher) *Exporter {
	e := &Exporter{
		publisher: publisher,
		events:    make(chan UsageEvent, exporterBuffer),
		done:      make(chan struct{}),
	}
	go e.run()
	return e
}

// Enqueue hands off a record for export, dropping it if the buffer is
// full.
func (e *Exporter) Enqueue(tenant string, rec domain.UsageRecord) {
	event := UsageEvent{
		Tenant:           tenant,
		TraceID:          rec.TraceID,
		Model:            rec.Model,
		PromptTokens:     rec.PromptTokens,
		CompletionTokens: rec.CompletionTokens,
		CostUSD:          rec.CostUSD,
		Timestamp:        rec.Timestamp,
	}
	select {
	case e.events <- event:
	default:
		slog.Warn("usage export buffer full, dropping event", "tenant", tenant, "trace_id", rec.TraceID)
	}
}

func (e *Exporter) run() {
	for event := range e.events {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.publisher.Publish(ctx, event); err != nil {
			slog.Error("usage export failed", "tenant", event.Tenant, "error", err)
		}
		cancel()
	}
	close(e.done)
}

// Close stops accepting events and waits for the buffer to drain.
func (e *Exporter) Close() {
	e.closeOnce.Do(func() {
		close(e.events)
		<-e.done
	})
}

// InMemoryPublisher collects usage events for tests.
type InMemoryPublisher struct {
	mu     sync.Mutex
	events []UsageEvent
}

func NewInMemoryPublisher() *InMemoryPublisher {
	return &InMemoryPublisher{}
}

func (p *InMemoryPublisher) Publish(ctx context.Context, event UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *InMemoryPublisher) Events() []UsageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]UsageEvent, len(p.events))
	copy(result, p.events)
	return result
}
