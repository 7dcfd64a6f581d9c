package queue

import (
	"testing"
	"time"

	"github.com/routegate/routegate/internal/domain"
)

func TestExporterDrainsOnClose(t *testing.T) {
	publisher := NewInMemoryPublisher()
	exporter := NewExporter(publisher)

	now := time.Now()
	for i := 0; i < 3; i++ {
		exporter.Enqueue("acme", domain.UsageRecord{
			Timestamp:        now,
			TraceID:          "trace",
			Model:            "gpt-4o-mini",
			PromptTokens:     10,
			CompletionTokens: 20,
			CostUSD:          0.002,
		})
	}
	exporter.Close()

	events := publisher.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 exported events, got %d", len(events))
	}
	if events[0].Tenant != "acme" || events[0].CompletionTokens != 20 {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestExporterCloseIdempotent(t *testing.T) {
	exporter := NewExporter(NewInMemoryPublisher())
	exporter.Close()
	exporter.Close()
}
