package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/routegate/routegate/internal/budget"
	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/ledger"
	"github.com/routegate/routegate/internal/policy"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/routing"
	"github.com/routegate/routegate/internal/secrets"
)

type fakeAdapter struct {
	name          string
	completeCalls int
	streamCalls   int
	gotRequest    provider.Request

	result      *provider.CompletionResult
	completeErr error

	chunks    [][]byte
	usage     *domain.Usage
	streamErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Complete(ctx context.Context, route domain.Route, req provider.Request) (*provider.CompletionResult, error) {
	f.completeCalls++
	f.gotRequest = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.result, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, route domain.Route, req provider.Request, sink provider.Sink) error {
	f.streamCalls++
	f.gotRequest = req
	for _, c := range f.chunks {
		if err := sink.Chunk(c); err != nil {
			return err
		}
	}
	if f.usage != nil {
		sink.OnUsage(*f.usage)
	}
	return f.streamErr
}

func testRoute() domain.Route {
	return domain.Route{
		Alias:           "fast",
		Provider:        "fake",
		Weight:          1,
		Models:          []string{"gpt-4o-mini"},
		CostPer1KInput:  0.001,
		CostPer1KOutput: 0.002,
		APIKeyRef:       "literal:test-key",
	}
}

func newTestGateway(adapter *fakeAdapter, store *ledger.Memory, opts Options) *Gateway {
	selector := routing.NewSelector([]domain.Route{testRoute()})
	enforcer := policy.NewEnforcer(policy.NewStore(map[string]domain.TenantPolicy{
		"default": {MaxOutputTokens: 4096, MaxRequestUSD: 10},
		"capped":  {MaxOutputTokens: 4096, MaxRequestUSD: 0.0001},
	}))
	return New(selector, enforcer, map[string]provider.Adapter{"fake": adapter},
		secrets.NewChainResolver(nil), store, opts)
}

func chatRequest() domain.ChatRequest {
	return domain.ChatRequest{
		Model:    "fast",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hello"}},
		Tenant:   "acme",
	}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-12
}

func TestCompleteAccountsOnce(t *testing.T) {
	adapter := &fakeAdapter{
		name: "fake",
		result: &provider.CompletionResult{
			Raw:   json.RawMessage(`{"id":"cmpl-1"}`),
			Text:  "hi there",
			Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 20},
		},
	}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	got, err := gw.Complete(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if adapter.completeCalls != 1 {
		t.Errorf("adapter called %d times, want 1", adapter.completeCalls)
	}
	if adapter.gotRequest.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want resolved literal", adapter.gotRequest.APIKey)
	}
	if adapter.gotRequest.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want policy clamp 4096", adapter.gotRequest.MaxTokens)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want route model", got.Model)
	}
	if string(got.Body) != `{"id":"cmpl-1"}` {
		t.Errorf("Body = %s, want raw provider payload", got.Body)
	}

	wantCost := 0.001*10/1000 + 0.002*20/1000
	if !approx(got.CostUSD, wantCost) {
		t.Errorf("CostUSD = %v, want %v", got.CostUSD, wantCost)
	}

	records, err := store.Records(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 ledger record, got %d", len(records))
	}
	if records[0].PromptTokens != 10 || records[0].CompletionTokens != 20 {
		t.Errorf("record usage = %+v", records[0])
	}
	if !approx(records[0].CostUSD, wantCost) {
		t.Errorf("record cost = %v, want %v", records[0].CostUSD, wantCost)
	}
}

func TestCompleteCostCapRejection(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	req := chatRequest()
	req.Tenant = "capped"

	_, err := gw.Complete(context.Background(), req)
	var pv *domain.PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("Complete() error = %v, want PolicyViolation", err)
	}
	if adapter.completeCalls != 0 {
		t.Errorf("adapter called %d times on rejection, want 0", adapter.completeCalls)
	}

	summaries, _ := store.Summary(context.Background())
	if len(summaries) != 0 {
		t.Errorf("ledger touched on rejection: %+v", summaries)
	}
}

func TestCompleteValidationRejection(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	gw := newTestGateway(adapter, ledger.NewMemory(10), Options{})

	_, err := gw.Complete(context.Background(), domain.ChatRequest{Model: "fast"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Complete() error = %v, want ValidationError", err)
	}
	if adapter.completeCalls != 0 {
		t.Error("adapter must not be called for an invalid request")
	}
}

func TestCompleteUnknownAlias(t *testing.T) {
	gw := newTestGateway(&fakeAdapter{name: "fake"}, ledger.NewMemory(10), Options{})

	req := chatRequest()
	req.Model = "nope"

	_, err := gw.Complete(context.Background(), req)
	if !errors.Is(err, domain.ErrRouteNotFound) {
		t.Fatalf("Complete() error = %v, want ErrRouteNotFound", err)
	}
}

func TestCompleteUpstreamFailureAccountsZeroUsage(t *testing.T) {
	adapter := &fakeAdapter{
		name:        "fake",
		completeErr: provider.NewUpstreamError("fake", 503, errors.New("unavailable")),
	}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	_, err := gw.Complete(context.Background(), chatRequest())
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Complete() error = %v, want UpstreamError", err)
	}
	if !ue.Retryable {
		t.Error("503 should be retryable")
	}

	records, _ := store.Records(context.Background(), "acme")
	if len(records) != 1 {
		t.Fatalf("expected 1 zero-usage record, got %d", len(records))
	}
	if records[0].PromptTokens != 0 || records[0].CostUSD != 0 {
		t.Errorf("failed dispatch must account zero usage, got %+v", records[0])
	}
}

func TestCompleteStructuredOutput(t *testing.T) {
	adapter := &fakeAdapter{
		name: "fake",
		result: &provider.CompletionResult{
			Raw:   json.RawMessage(`{"id":"cmpl-1"}`),
			Text:  "Here you go:\n```json\n{\"count\": \"7\"}\n```",
			Usage: domain.Usage{PromptTokens: 5, CompletionTokens: 5},
		},
	}
	gw := newTestGateway(adapter, ledger.NewMemory(10), Options{})

	req := chatRequest()
	req.ResponseSchema = json.RawMessage(`{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`)
	req.Coerce = true

	got, err := gw.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(got.Body, &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["count"] != 7.0 {
		t.Errorf("count = %v, want coerced 7", body["count"])
	}
}

func TestCompleteStructuredOutputFailureStillAccounts(t *testing.T) {
	adapter := &fakeAdapter{
		name: "fake",
		result: &provider.CompletionResult{
			Raw:   json.RawMessage(`{"id":"cmpl-1"}`),
			Text:  "no json here at all",
			Usage: domain.Usage{PromptTokens: 5, CompletionTokens: 5},
		},
	}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	req := chatRequest()
	req.ResponseSchema = json.RawMessage(`{"type":"object"}`)

	_, err := gw.Complete(context.Background(), req)
	var ee *domain.ExtractionError
	if !errors.As(err, &ee) {
		t.Fatalf("Complete() error = %v, want ExtractionError", err)
	}

	// tokens were spent upstream, so the failure is still billed
	records, _ := store.Records(context.Background(), "acme")
	if len(records) != 1 || records[0].PromptTokens != 5 {
		t.Errorf("expected 1 record with real usage, got %+v", records)
	}
}

func TestStreamRelaysAndTerminates(t *testing.T) {
	chunks := [][]byte{
		[]byte("data: {\"delta\":\"a\"}\n\n"),
		[]byte("data: {\"delta\":\"b\"}\n\n"),
		[]byte("data: {\"delta\":\"c\"}\n\n"),
		[]byte("data: {\"delta\":\"d\"}\n\n"),
		[]byte("data: {\"delta\":\"e\"}\n\n"),
	}
	adapter := &fakeAdapter{
		name:   "fake",
		chunks: chunks,
		usage:  &domain.Usage{PromptTokens: 10, CompletionTokens: 20},
	}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	var buf bytes.Buffer
	if err := gw.Stream(context.Background(), chatRequest(), &buf); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	out := buf.String()
	for _, c := range chunks {
		if !strings.Contains(out, string(c)) {
			t.Errorf("output missing chunk %q", c)
		}
	}
	if got := strings.Count(out, "data: [DONE]"); got != 1 {
		t.Errorf("stream contains %d termination markers, want exactly 1", got)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Error("termination marker must be the final event")
	}

	records, _ := store.Records(context.Background(), "acme")
	if len(records) != 1 {
		t.Fatalf("expected 1 ledger record, got %d", len(records))
	}
	if records[0].PromptTokens != 10 || records[0].CompletionTokens != 20 {
		t.Errorf("ledger usage = %+v, want mid-stream usage", records[0])
	}
}

func TestStreamFailureStillTerminatesAndAccountsPartial(t *testing.T) {
	adapter := &fakeAdapter{
		name:      "fake",
		chunks:    [][]byte{[]byte("data: {\"delta\":\"a\"}\n\n")},
		usage:     &domain.Usage{PromptTokens: 10, CompletionTokens: 3},
		streamErr: provider.NewUpstreamError("fake", 0, errors.New("connection reset")),
	}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	var buf bytes.Buffer
	err := gw.Stream(context.Background(), chatRequest(), &buf)
	var ue *domain.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("Stream() error = %v, want UpstreamError", err)
	}

	if got := strings.Count(buf.String(), "data: [DONE]"); got != 1 {
		t.Errorf("failed stream wrote %d termination markers, want exactly 1", got)
	}

	records, _ := store.Records(context.Background(), "acme")
	if len(records) != 1 || records[0].CompletionTokens != 3 {
		t.Errorf("expected partial usage accounted, got %+v", records)
	}
}

func TestStreamRejectionWritesNothing(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	gw := newTestGateway(adapter, ledger.NewMemory(10), Options{})

	req := chatRequest()
	req.Tenant = "capped"

	var buf bytes.Buffer
	err := gw.Stream(context.Background(), req, &buf)
	var pv *domain.PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("Stream() error = %v, want PolicyViolation", err)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected stream wrote %q, want nothing", buf.String())
	}
	if adapter.streamCalls != 0 {
		t.Error("adapter must not be called on rejection")
	}
}

func TestBudgetExhaustedRejectsAdmission(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	store := ledger.NewMemory(10)
	if err := store.EnsureTenant(context.Background(), "acme", 1.0); err != nil {
		t.Fatal(err)
	}
	if err := store.Account(context.Background(), "acme", domain.UsageRecord{CostUSD: 2.0}); err != nil {
		t.Fatal(err)
	}

	monitor := budget.NewMonitor(store, budget.DefaultThresholds())
	gw := newTestGateway(adapter, store, Options{Monitor: monitor})

	_, err := gw.Complete(context.Background(), chatRequest())
	var pv *domain.PolicyViolation
	if !errors.As(err, &pv) {
		t.Fatalf("Complete() error = %v, want PolicyViolation", err)
	}
	if pv.Reason != "budget exhausted" {
		t.Errorf("Reason = %q, want budget exhausted", pv.Reason)
	}
	if adapter.completeCalls != 0 {
		t.Error("adapter must not be called when budget is exhausted")
	}
}

func TestCompleteDefaultTenantFallback(t *testing.T) {
	adapter := &fakeAdapter{
		name: "fake",
		result: &provider.CompletionResult{
			Raw:   json.RawMessage(`{}`),
			Usage: domain.Usage{PromptTokens: 1, CompletionTokens: 1},
		},
	}
	store := ledger.NewMemory(10)
	gw := newTestGateway(adapter, store, Options{})

	req := chatRequest()
	req.Tenant = ""

	if _, err := gw.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	records, _ := store.Records(context.Background(), policy.DefaultTenant)
	if len(records) != 1 {
		t.Errorf("expected accounting under default tenant, got %d records", len(records))
	}
}
