package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/routegate/routegate/internal/domain"
)

func TestMemory_EnsureTenantIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	if err := m.EnsureTenant(ctx, "t1", 100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Account(ctx, "t1", domain.UsageRecord{CostUSD: 5})

	// re-ensuring must not reset spend or budget
	if err := m.EnsureTenant(ctx, "t1", 999); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum, _ := m.Summary(ctx)
	if sum["t1"].BudgetUSD != 100 {
		t.Errorf("expected budget 100, got %f", sum["t1"].BudgetUSD)
	}
	if sum["t1"].SpendUSD != 5 {
		t.Errorf("expected spend 5, got %f", sum["t1"].SpendUSD)
	}
}

func TestMemory_RingEviction(t *testing.T) {
	ctx := context.Background()
	const capacity = 5
	const extra = 3
	m := NewMemory(capacity)
	m.EnsureTenant(ctx, "t1", 100)

	for i := 0; i < capacity+extra; i++ {
		m.Account(ctx, "t1", domain.UsageRecord{
			TraceID:   fmt.Sprintf("trace-%d", i),
			Timestamp: time.Unix(int64(i), 0),
		})
	}

	records, err := m.Records(ctx, "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != capacity {
		t.Fatalf("expected %d records after eviction, got %d", capacity, len(records))
	}

	// most recent first: trace-7 down to trace-3
	for i, rec := range records {
		want := fmt.Sprintf("trace-%d", capacity+extra-1-i)
		if rec.TraceID != want {
			t.Errorf("record %d: expected %s, got %s", i, want, rec.TraceID)
		}
	}
}

func TestMemory_CumulativeSpend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(3) // smaller than the record count: eviction must not touch counters
	m.EnsureTenant(ctx, "t1", 100)

	costs := []float64{0.001, 0.02, 0.3, 0.0004, 0.05}
	var want float64
	for i, c := range costs {
		m.Account(ctx, "t1", domain.UsageRecord{
			CostUSD:          c,
			PromptTokens:     10 * (i + 1),
			CompletionTokens: 5 * (i + 1),
		})
		want += c
	}

	sum, _ := m.Summary(ctx)
	got := sum["t1"].SpendUSD
	if got < want-1e-12 || got > want+1e-12 {
		t.Errorf("expected cumulative spend %f, got %f", want, got)
	}
	if sum["t1"].TokensIn != 150 {
		t.Errorf("expected 150 input tokens, got %d", sum["t1"].TokensIn)
	}
	if sum["t1"].TokensOut != 75 {
		t.Errorf("expected 75 output tokens, got %d", sum["t1"].TokensOut)
	}
	if sum["t1"].Requests != int64(len(costs)) {
		t.Errorf("expected %d requests, got %d", len(costs), sum["t1"].Requests)
	}
}

func TestMemory_ConcurrentAccounting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(50)
	m.EnsureTenant(ctx, "t1", 100)

	const workers = 20
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Account(ctx, "t1", domain.UsageRecord{CostUSD: 0.01, PromptTokens: 1})
			}
		}()
	}
	wg.Wait()

	sum, _ := m.Summary(ctx)
	want := 0.01 * workers * perWorker
	if sum["t1"].SpendUSD < want-1e-9 || sum["t1"].SpendUSD > want+1e-9 {
		t.Errorf("lost updates: expected spend %f, got %f", want, sum["t1"].SpendUSD)
	}
	if sum["t1"].TokensIn != workers*perWorker {
		t.Errorf("lost updates: expected %d tokens, got %d", workers*perWorker, sum["t1"].TokensIn)
	}
}

func TestMemory_RecordsUnknownTenant(t *testing.T) {
	m := NewMemory(10)
	records, err := m.Records(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}
