// Package ledger records per-tenant usage and cost. The ledger is
// append-only and monotonic: nothing ever decrements spend. Budgets are a
// soft cap re-checked at admission on the next request, never enforced
// retroactively.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/routegate/routegate/internal/domain"
)

// DefaultRingCapacity bounds how many recent usage records each tenant
// account retains, oldest evicted first.
const DefaultRingCapacity = 200

// Ledger is the tenant accounting store. Backends must keep every
// appended record reflected exactly once in the cumulative counters, and
// serialize concurrent appends for a single tenant.
type Ledger interface {
	// EnsureTenant creates the account if absent. It never resets an
	// existing account.
	EnsureTenant(ctx context.Context, tenant string, budgetUSD float64) error
	// Account appends one usage record and bumps the cumulative counters.
	Account(ctx context.Context, tenant string, rec domain.UsageRecord) error
	// Summary returns a read-only snapshot of every tenant's counters.
	Summary(ctx context.Context) (map[string]domain.TenantSummary, error)
	// Records returns the tenant's retained records, most recent first.
	Records(ctx context.Context, tenant string) ([]domain.UsageRecord, error)
}

// account is exclusively owned by the Memory store; the store mutex
// guards all access.
type account struct {
	budgetUSD float64
	spendUSD  float64
	tokensIn  int64
	tokensOut int64
	requests  int64

	// fixed-capacity FIFO: next is the slot the next record lands in,
	// size counts occupied slots.
	ring []domain.UsageRecord
	next int
	size int
}

// Memory is the in-process Ledger backend.
type Memory struct {
	mu       sync.Mutex
	capacity int
	accounts map[string]*account
	clock    func() time.Time
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Memory{
		capacity: capacity,
		accounts: make(map[string]*account),
		clock:    time.Now,
	}
}

func (m *Memory) EnsureTenant(ctx context.Context, tenant string, budgetUSD float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[tenant]; ok {
		return nil
	}
	m.accounts[tenant] = &account{
		budgetUSD: budgetUSD,
		ring:      make([]domain.UsageRecord, m.capacity),
	}
	return nil
}

func (m *Memory) Account(ctx context.Context, tenant string, rec domain.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[tenant]
	if !ok {
		acct = &account{ring: make([]domain.UsageRecord, m.capacity)}
		m.accounts[tenant] = acct
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.clock()
	}

	acct.ring[acct.next] = rec
	acct.next = (acct.next + 1) % m.capacity
	if acct.size < m.capacity {
		acct.size++
	}

	acct.spendUSD += rec.CostUSD
	acct.tokensIn += int64(rec.PromptTokens)
	acct.tokensOut += int64(rec.CompletionTokens)
	acct.requests++
	return nil
}

func (m *Memory) Summary(ctx context.Context) (map[string]domain.TenantSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]domain.TenantSummary, len(m.accounts))
	for tenant, acct := range m.accounts {
		out[tenant] = domain.TenantSummary{
			BudgetUSD: acct.budgetUSD,
			SpendUSD:  acct.spendUSD,
			TokensIn:  acct.tokensIn,
			TokensOut: acct.tokensOut,
			Requests:  acct.requests,
		}
	}
	return out, nil
}

func (m *Memory) Records(ctx context.Context, tenant string) ([]domain.UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[tenant]
	if !ok {
		return nil, nil
	}

	out := make([]domain.UsageRecord, 0, acct.size)
	for i := 0; i < acct.size; i++ {
		idx := (acct.next - 1 - i + m.capacity*2) % m.capacity
		out = append(out, acct.ring[idx])
	}
	return out, nil
}
