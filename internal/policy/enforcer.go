// Package policy runs pre-dispatch admission control: model allow-list,
// output-length clamp, and a cost ceiling estimated from route pricing.
package policy

import (
	"sync/atomic"

	"github.com/routegate/routegate/internal/domain"
)

// DefaultTenant is the policy fallback for requests carrying no tenant id
// or a tenant without an explicit policy entry.
const DefaultTenant = "default"

// EstimatedInputTokens is the fixed input-size constant used for the
// pre-dispatch cost estimate instead of real prompt tokenization. Cheap
// admission beats exact accounting here; the ledger records real usage.
const EstimatedInputTokens = 500

// Store resolves tenant policies from an atomically swappable snapshot.
type Store struct {
	tab atomic.Pointer[map[string]domain.TenantPolicy]
}

func NewStore(policies map[string]domain.TenantPolicy) *Store {
	s := &Store{}
	s.Swap(policies)
	return s
}

func (s *Store) Swap(policies map[string]domain.TenantPolicy) {
	snapshot := make(map[string]domain.TenantPolicy, len(policies))
	for id, p := range policies {
		snapshot[id] = p
	}
	s.tab.Store(&snapshot)
}

// Lookup returns the tenant's policy, falling back to the default tenant.
func (s *Store) Lookup(tenant string) domain.TenantPolicy {
	tab := *s.tab.Load()
	if p, ok := tab[tenant]; ok {
		return p
	}
	return tab[DefaultTenant]
}

// Decision is the outcome of an admitted request: the narrowed request
// bounds the dispatcher must honor.
type Decision struct {
	Tenant             string
	Policy             domain.TenantPolicy
	EffectiveMaxTokens int
	EstimatedCostUSD   float64
}

type Enforcer struct {
	store *Store
}

func NewEnforcer(store *Store) *Enforcer {
	return &Enforcer{store: store}
}

// Admit validates the request against the tenant's policy and only ever
// narrows fields. Checks run in order: allow-list, output clamp, cost
// ceiling. A violation means zero upstream calls.
func (e *Enforcer) Admit(route domain.Route, tenant string, req domain.ChatRequest) (Decision, error) {
	if tenant == "" {
		tenant = DefaultTenant
	}
	pol := e.store.Lookup(tenant)

	if !pol.Allows(req.Model) {
		return Decision{}, &domain.PolicyViolation{Tenant: tenant, Reason: "model not allowed"}
	}

	effective := pol.MaxOutputTokens
	if req.MaxTokens != nil && *req.MaxTokens < effective {
		effective = *req.MaxTokens
	}

	estimated := route.CostPer1KInput*EstimatedInputTokens/1000 +
		route.CostPer1KOutput*float64(effective)/1000
	if pol.MaxRequestUSD > 0 && estimated > pol.MaxRequestUSD {
		return Decision{}, &domain.PolicyViolation{Tenant: tenant, Reason: "estimated cost exceeds policy cap"}
	}

	return Decision{
		Tenant:             tenant,
		Policy:             pol,
		EffectiveMaxTokens: effective,
		EstimatedCostUSD:   estimated,
	}, nil
}
