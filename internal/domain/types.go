package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Route is one weighted backend configuration serving a model alias.
// Routes are immutable once loaded; several routes may share an alias.
type Route struct {
	Alias           string   `yaml:"alias" json:"alias"`
	Provider        string   `yaml:"provider" json:"provider"`
	Endpoint        string   `yaml:"endpoint" json:"endpoint"`
	Weight          float64  `yaml:"weight" json:"weight"`
	Models          []string `yaml:"models" json:"models"`
	CostPer1KInput  float64  `yaml:"cost_per_1k_input" json:"cost_per_1k_input"`
	CostPer1KOutput float64  `yaml:"cost_per_1k_output" json:"cost_per_1k_output"`
	APIKeyRef       string   `yaml:"api_key_ref" json:"api_key_ref"`
}

// Model returns the concrete upstream model for the route, falling back to
// the alias when the route lists none.
func (r Route) Model() string {
	if len(r.Models) > 0 {
		return r.Models[0]
	}
	return r.Alias
}

// TenantPolicy bounds what a tenant may request. An empty AllowedModels
// list allows every model.
type TenantPolicy struct {
	AllowedModels   []string `yaml:"allowed_models" json:"allowed_models"`
	MaxOutputTokens int      `yaml:"max_output_tokens" json:"max_output_tokens"`
	MaxRequestUSD   float64  `yaml:"max_request_usd" json:"max_request_usd"`
}

// Allows reports whether the policy permits the given model alias.
func (p TenantPolicy) Allows(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Tenant         string          `json:"tenant,omitempty"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	Coerce         bool            `json:"coerce,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

// Validate checks the request shape before any routing happens.
func (r ChatRequest) Validate() error {
	if r.Model == "" {
		return &ValidationError{Field: "model", Reason: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "messages must not be empty"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ValidationError{Field: "messages", Reason: fmt.Sprintf("invalid role %q at index %d", m.Role, i)}
		}
		if m.Content == "" {
			return &ValidationError{Field: "messages", Reason: fmt.Sprintf("empty content at index %d", i)}
		}
	}
	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecord is one accounted completion. Immutable once created.
type UsageRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	TraceID          string    `json:"trace_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
}

// TenantSummary is a read-only snapshot of one tenant's cumulative counters.
type TenantSummary struct {
	BudgetUSD float64 `json:"budget_usd"`
	SpendUSD  float64 `json:"spend_usd"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	Requests  int64   `json:"requests"`
}
