// Package budget watches tenant spend against the ledger and raises
// alerts as thresholds are crossed. The budget is a soft cap: it is
// checked at admission and never claws back an in-flight request.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/routegate/routegate/internal/ledger"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	Tenant     string
	Level      AlertLevel
	BudgetUSD  float64
	SpendUSD   float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// Thresholds are fractions of the budget at which warning and critical
// alerts fire. Exceeded always fires at 1.0.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor evaluates tenant spend from ledger snapshots. Each alert
// level fires once per tenant until spend drops back below the warning
// threshold (which in practice means a budget raise, since spend only
// grows).
type Monitor struct {
	mu         sync.Mutex
	store      ledger.Ledger
	thresholds Thresholds
	handlers   []AlertHandler
	lastAlerts map[string]AlertLevel
	clock      func() time.Time
}

func NewMonitor(store ledger.Ledger, thresholds Thresholds) *Monitor {
	return &Monitor{
		store:      store,
		thresholds: thresholds,
		lastAlerts: make(map[string]AlertLevel),
		clock:      time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Check evaluates a single tenant and fires handlers when the tenant
// crosses into a new alert level. It returns the alert fired, if any.
func (m *Monitor) Check(ctx context.Context, tenant string) (*Alert, error) {
	summaries, err := m.store.Summary(ctx)
	if err != nil {
		return nil, err
	}

	sum, ok := summaries[tenant]
	if !ok || sum.BudgetUSD <= 0 {
		return nil, nil
	}

	ratio := sum.SpendUSD / sum.BudgetUSD

	var level AlertLevel
	switch {
	case ratio >= 1.0:
		level = AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		level = AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		level = AlertLevelWarning
	default:
		m.mu.Lock()
		delete(m.lastAlerts, tenant)
		m.mu.Unlock()
		return nil, nil
	}

	m.mu.Lock()
	if m.lastAlerts[tenant] == level {
		m.mu.Unlock()
		return nil, nil
	}
	m.lastAlerts[tenant] = level
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	alert := &Alert{
		Tenant:     tenant,
		Level:      level,
		BudgetUSD:  sum.BudgetUSD,
		SpendUSD:   sum.SpendUSD,
		Percentage: ratio * 100,
		Timestamp:  m.clock(),
	}

	for _, handler := range handlers {
		handler(*alert)
	}

	return alert, nil
}

// Exhausted reports whether the tenant has spent its whole budget. A
// tenant without a budget is never exhausted.
func (m *Monitor) Exhausted(ctx context.Context, tenant string) (bool, error) {
	summaries, err := m.store.Summary(ctx)
	if err != nil {
		return false, err
	}

	sum, ok := summaries[tenant]
	if !ok || sum.BudgetUSD <= 0 {
		return false, nil
	}

	return sum.SpendUSD >= sum.BudgetUSD, nil
}

func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"tenant", alert.Tenant,
		"level", alert.Level,
		"budget_usd", alert.BudgetUSD,
		"spend_usd", alert.SpendUSD,
		"percentage", alert.Percentage,
	)
}
