// Package gateway orchestrates one completion request end to end:
// validation, route selection, admission, dispatch, structured-output
// handling, and ledger accounting. Every request that reaches dispatch
// is accounted exactly once, with whatever usage was observed before a
// failure.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/routegate/routegate/internal/budget"
	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/extract"
	"github.com/routegate/routegate/internal/ledger"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/policy"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/queue"
	"github.com/routegate/routegate/internal/routing"
	"github.com/routegate/routegate/internal/secrets"
	"github.com/routegate/routegate/internal/telemetry"
)

// streamDone is the single downstream termination marker. Adapters never
// write it; the gateway appends it once per stream, success or failure,
// so consumers always see a terminated stream.
const streamDone = "data: [DONE]\n\n"

// Completion is the buffered result returned to the caller. Body is the
// provider-shaped payload, or the validated JSON object when the request
// asked for structured output.
type Completion struct {
	Provider string          `json:"provider"`
	Model    string          `json:"model"`
	Body     json.RawMessage `json:"body"`
	Usage    domain.Usage    `json:"usage"`
	CostUSD  float64         `json:"cost_usd"`
	TraceID  string          `json:"trace_id,omitempty"`
}

// Options carries the optional collaborators. Nil fields disable the
// corresponding behavior.
type Options struct {
	Monitor          *budget.Monitor
	Exporter         *queue.Exporter
	DefaultBudgetUSD float64
}

type Gateway struct {
	selector *routing.Selector
	enforcer *policy.Enforcer
	adapters map[string]provider.Adapter
	resolver secrets.Resolver
	store    ledger.Ledger
	opts     Options
	clock    func() time.Time
}

func New(selector *routing.Selector, enforcer *policy.Enforcer, adapters map[string]provider.Adapter, resolver secrets.Resolver, store ledger.Ledger, opts Options) *Gateway {
	return &Gateway{
		selector: selector,
		enforcer: enforcer,
		adapters: adapters,
		resolver: resolver,
		store:    store,
		opts:     opts,
		clock:    time.Now,
	}
}

// admission is everything settled before the upstream call: the chosen
// route, the policy decision, the adapter, and the fully built request.
type admission struct {
	route    domain.Route
	decision policy.Decision
	adapter  provider.Adapter
	request  provider.Request
}

// admit runs the pre-dispatch pipeline. A rejection at any step means
// zero upstream calls and an untouched ledger.
func (g *Gateway) admit(ctx context.Context, req domain.ChatRequest) (admission, error) {
	if err := req.Validate(); err != nil {
		return admission{}, err
	}

	route, err := g.selector.Select(req.Model)
	if err != nil {
		return admission{}, err
	}

	decision, err := g.enforcer.Admit(route, req.Tenant, req)
	if err != nil {
		var pv *domain.PolicyViolation
		if errors.As(err, &pv) {
			metrics.RecordPolicyRejection(pv.Tenant, pv.Reason)
		}
		return admission{}, err
	}

	if g.opts.Monitor != nil {
		exhausted, err := g.opts.Monitor.Exhausted(ctx, decision.Tenant)
		if err != nil {
			return admission{}, fmt.Errorf("budget check: %w", err)
		}
		if exhausted {
			metrics.RecordPolicyRejection(decision.Tenant, "budget exhausted")
			return admission{}, &domain.PolicyViolation{Tenant: decision.Tenant, Reason: "budget exhausted"}
		}
	}

	adapter, ok := g.adapters[route.Provider]
	if !ok {
		return admission{}, provider.NewUpstreamError(route.Provider, 0, errors.New("no adapter registered for provider"))
	}

	apiKey := ""
	if route.APIKeyRef != "" {
		apiKey, err = g.resolver.Resolve(ctx, route.APIKeyRef)
		if err != nil {
			return admission{}, fmt.Errorf("resolve api key for route %q: %w", route.Alias, err)
		}
	}

	if err := g.store.EnsureTenant(ctx, decision.Tenant, g.opts.DefaultBudgetUSD); err != nil {
		return admission{}, fmt.Errorf("ensure tenant %q: %w", decision.Tenant, err)
	}

	return admission{
		route:    route,
		decision: decision,
		adapter:  adapter,
		request: provider.Request{
			Model:       route.Model(),
			Messages:    req.Messages,
			MaxTokens:   decision.EffectiveMaxTokens,
			Temperature: req.Temperature,
			APIKey:      apiKey,
		},
	}, nil
}

// Complete runs one buffered completion.
func (g *Gateway) Complete(ctx context.Context, req domain.ChatRequest) (*Completion, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.completion")
	defer span.End()
	start := g.clock()

	adm, err := g.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRequest(req.Tenant, "", req.Model, "rejected", time.Since(start).Seconds())
		return nil, err
	}

	telemetry.AddTenantAttribute(span, adm.decision.Tenant)
	telemetry.AddDispatchAttributes(span, adm.route.Provider, adm.request.Model, adm.request.MaxTokens)
	traceID := telemetry.GetTraceID(ctx)

	result, err := adm.adapter.Complete(ctx, adm.route, adm.request)
	if err != nil {
		// dispatched but failed: still one ledger entry, zero usage
		g.settle(ctx, span, adm, domain.Usage{}, traceID, "upstream_failed", start)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordUpstreamError(adm.route.Provider)
		return nil, err
	}

	cost := g.settle(ctx, span, adm, result.Usage, traceID, "completed", start)

	body := result.Raw
	if len(req.ResponseSchema) > 0 {
		obj, err := structuredBody(result.Text, req.ResponseSchema, req.Coerce)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		body = obj
	}

	return &Completion{
		Provider: adm.route.Provider,
		Model:    adm.request.Model,
		Body:     body,
		Usage:    result.Usage,
		CostUSD:  cost,
		TraceID:  traceID,
	}, nil
}

// Stream relays one streaming completion to w. Exactly one termination
// marker is written per stream, whether the upstream finished cleanly or
// died mid-flight, and the usage observed up to that point is accounted.
func (g *Gateway) Stream(ctx context.Context, req domain.ChatRequest, w io.Writer) error {
	ctx, span := telemetry.StartSpan(ctx, "gateway.stream")
	defer span.End()
	start := g.clock()

	adm, err := g.admit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRequest(req.Tenant, "", req.Model, "rejected", time.Since(start).Seconds())
		return err
	}

	telemetry.AddTenantAttribute(span, adm.decision.Tenant)
	telemetry.AddDispatchAttributes(span, adm.route.Provider, adm.request.Model, adm.request.MaxTokens)
	traceID := telemetry.GetTraceID(ctx)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	sink := &relaySink{w: w}
	streamErr := adm.adapter.Stream(ctx, adm.route, adm.request, sink)

	// termination marker goes out even on failure so the consumer is
	// never left waiting on a half-open stream
	if _, err := io.WriteString(w, streamDone); err != nil && streamErr == nil {
		streamErr = err
	}

	state := "completed"
	if streamErr != nil {
		state = "upstream_failed"
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		metrics.RecordUpstreamError(adm.route.Provider)
	}

	g.settle(ctx, span, adm, sink.usage, traceID, state, start)
	return streamErr
}

// settle is the single accounting point: one ledger entry per dispatched
// request, usage attributes on the span, metrics, export, and budget
// re-evaluation. It runs on a detached context so a client that
// disconnected mid-stream still gets billed for what it consumed.
func (g *Gateway) settle(ctx context.Context, span trace.Span, adm admission, usage domain.Usage, traceID, state string, start time.Time) float64 {
	ctx = context.WithoutCancel(ctx)
	tenant := adm.decision.Tenant

	cost := adm.route.CostPer1KInput*float64(usage.PromptTokens)/1000 +
		adm.route.CostPer1KOutput*float64(usage.CompletionTokens)/1000

	rec := domain.UsageRecord{
		Timestamp:        g.clock(),
		TraceID:          traceID,
		Model:            adm.request.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
	}
	if err := g.store.Account(ctx, tenant, rec); err != nil {
		slog.Error("ledger accounting failed", "tenant", tenant, "trace_id", traceID, "error", err)
	}

	telemetry.AddUsageAttributes(span, usage.PromptTokens, usage.CompletionTokens, cost)
	metrics.RecordRequest(tenant, adm.route.Provider, adm.request.Model, state, time.Since(start).Seconds())
	metrics.RecordTokens(tenant, adm.route.Provider, adm.request.Model, usage.PromptTokens, usage.CompletionTokens)
	metrics.RecordCost(tenant, adm.route.Provider, adm.request.Model, cost)

	if g.opts.Exporter != nil {
		g.opts.Exporter.Enqueue(tenant, rec)
	}
	if g.opts.Monitor != nil {
		if _, err := g.opts.Monitor.Check(ctx, tenant); err != nil {
			slog.Error("budget check failed", "tenant", tenant, "error", err)
		}
	}
	g.updateBudgetGauge(ctx, tenant)

	return cost
}

func (g *Gateway) updateBudgetGauge(ctx context.Context, tenant string) {
	summaries, err := g.store.Summary(ctx)
	if err != nil {
		return
	}
	sum, ok := summaries[tenant]
	if !ok || sum.BudgetUSD <= 0 {
		return
	}
	metrics.SetBudgetUsage(tenant, sum.SpendUSD/sum.BudgetUSD)
}

// structuredBody turns a completion's text into the validated JSON body.
// Extraction or validation failure fails the request; the tokens were
// already accounted.
func structuredBody(text string, schema json.RawMessage, coerce bool) (json.RawMessage, error) {
	obj, err := extract.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	obj, err = extract.CoerceAndValidate(obj, schema, coerce)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal structured output: %w", err)
	}
	return body, nil
}

// relaySink forwards provider-framed bytes to the consumer and keeps the
// last usage observation for settlement.
type relaySink struct {
	w     io.Writer
	usage domain.Usage
}

func (s *relaySink) Chunk(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *relaySink) OnUsage(u domain.Usage) {
	s.usage = u
}
