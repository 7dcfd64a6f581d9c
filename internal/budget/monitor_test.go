package budget

import (
	"context"
	"testing"

	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/ledger"
)

func seedLedger(t *testing.T, tenant string, budget, spend float64) *ledger.Memory {
	t.Helper()
	store := ledger.NewMemory(10)
	if err := store.EnsureTenant(context.Background(), tenant, budget); err != nil {
		t.Fatalf("EnsureTenant() error = %v", err)
	}
	if spend > 0 {
		err := store.Account(context.Background(), tenant, domain.UsageRecord{CostUSD: spend})
		if err != nil {
			t.Fatalf("Account() error = %v", err)
		}
	}
	return store
}

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()
	if th.Warning != 0.8 {
		t.Errorf("Warning = %v, want 0.8", th.Warning)
	}
	if th.Critical != 0.95 {
		t.Errorf("Critical = %v, want 0.95", th.Critical)
	}
}

func TestCheckLevels(t *testing.T) {
	tests := []struct {
		name      string
		budget    float64
		spend     float64
		wantAlert bool
		wantLevel AlertLevel
	}{
		{"no budget", 0, 50, false, ""},
		{"under warning", 100, 50, false, ""},
		{"warning", 100, 85, true, AlertLevelWarning},
		{"critical", 100, 96, true, AlertLevelCritical},
		{"exceeded", 100, 110, true, AlertLevelExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedLedger(t, "acme", tt.budget, tt.spend)
			monitor := NewMonitor(store, DefaultThresholds())

			alert, err := monitor.Check(context.Background(), "acme")
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if tt.wantAlert != (alert != nil) {
				t.Fatalf("Check() alert = %v, want alert %v", alert, tt.wantAlert)
			}
			if alert != nil && alert.Level != tt.wantLevel {
				t.Errorf("alert.Level = %v, want %v", alert.Level, tt.wantLevel)
			}
		})
	}
}

func TestCheckFiresOncePerLevel(t *testing.T) {
	store := seedLedger(t, "acme", 100, 85)
	monitor := NewMonitor(store, DefaultThresholds())

	first, err := monitor.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if first == nil {
		t.Fatal("first check should fire a warning alert")
	}

	second, err := monitor.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if second != nil {
		t.Errorf("second check at same level fired again: %+v", second)
	}

	// crossing into critical fires again
	if err := store.Account(context.Background(), "acme", domain.UsageRecord{CostUSD: 11}); err != nil {
		t.Fatalf("Account() error = %v", err)
	}
	third, err := monitor.Check(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if third == nil || third.Level != AlertLevelCritical {
		t.Errorf("expected critical alert after more spend, got %+v", third)
	}
}

func TestCheckFansOutToHandlers(t *testing.T) {
	store := seedLedger(t, "acme", 100, 101)
	monitor := NewMonitor(store, DefaultThresholds())

	var got []Alert
	monitor.OnAlert(func(a Alert) { got = append(got, a) })
	monitor.OnAlert(func(a Alert) { got = append(got, a) })

	if _, err := monitor.Check(context.Background(), "acme"); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both handlers called, got %d calls", len(got))
	}
	if got[0].Tenant != "acme" || got[0].Level != AlertLevelExceeded {
		t.Errorf("unexpected alert: %+v", got[0])
	}
	if got[0].Percentage < 100 {
		t.Errorf("Percentage = %v, want >= 100", got[0].Percentage)
	}
}

func TestExhausted(t *testing.T) {
	tests := []struct {
		name   string
		budget float64
		spend  float64
		want   bool
	}{
		{"no budget", 0, 100, false},
		{"under budget", 100, 50, false},
		{"at budget", 100, 100, true},
		{"over budget", 100, 150, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := seedLedger(t, "acme", tt.budget, tt.spend)
			monitor := NewMonitor(store, DefaultThresholds())

			got, err := monitor.Exhausted(context.Background(), "acme")
			if err != nil {
				t.Fatalf("Exhausted() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Exhausted() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExhaustedUnknownTenant(t *testing.T) {
	monitor := NewMonitor(ledger.NewMemory(10), DefaultThresholds())

	got, err := monitor.Exhausted(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Exhausted() error = %v", err)
	}
	if got {
		t.Error("unknown tenant must not be exhausted")
	}
}
