// Package api is the thin HTTP surface over the gateway: request
// decoding, error-to-status mapping, SSE relay, and the usage and health
// read endpoints. All orchestration lives in the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/routegate/routegate/internal/domain"
	"github.com/routegate/routegate/internal/gateway"
	"github.com/routegate/routegate/internal/ledger"
	"github.com/routegate/routegate/internal/routing"
)

// Completer is the slice of the gateway the handler needs.
type Completer interface {
	Complete(ctx context.Context, req domain.ChatRequest) (*gateway.Completion, error)
	Stream(ctx context.Context, req domain.ChatRequest, w io.Writer) error
}

type HandlerConfig struct {
	Gateway      Completer
	Selector     *routing.Selector
	Ledger       ledger.Ledger
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

type Handler struct {
	gateway  Completer
	selector *routing.Selector
	ledger   ledger.Ledger
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		gateway:  cfg.Gateway,
		selector: cfg.Selector,
		ledger:   cfg.Ledger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsageSummary)
	h.mux.HandleFunc("GET /v1/usage/{tenant}", h.handleTenantUsage)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReady(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if tenant := r.Header.Get("X-Tenant"); tenant != "" {
		req.Tenant = tenant
	}

	if req.Stream {
		h.handleStreaming(w, r, req, requestID)
		return
	}

	resp, err := h.gateway.Complete(ctx, req)
	if err != nil {
		slog.Warn("completion failed",
			"request_id", requestID,
			"tenant", req.Tenant,
			"model", req.Model,
			"error", err,
		)
		writeDomainError(w, err)
		return
	}

	slog.Info("completion served",
		"request_id", requestID,
		"tenant", req.Tenant,
		"provider", resp.Provider,
		"model", resp.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreaming(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, requestID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", requestID)

	fw := &flushWriter{w: w, flusher: flusher}
	err := h.gateway.Stream(r.Context(), req, fw)
	if err != nil {
		slog.Warn("stream failed",
			"request_id", requestID,
			"tenant", req.Tenant,
			"model", req.Model,
			"error", err,
		)
		// nothing on the wire yet means we can still answer with a
		// proper status; mid-stream the termination marker already went out
		if !fw.wrote {
			w.Header().Del("Content-Type")
			w.Header().Del("Cache-Control")
			w.Header().Del("Connection")
			writeDomainError(w, err)
		}
		return
	}

	slog.Info("stream served",
		"request_id", requestID,
		"tenant", req.Tenant,
		"model", req.Model,
	)
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	aliases := h.selector.Aliases()

	type model struct {
		ID     string `json:"id"`
		Object string `json:"object"`
	}
	data := make([]model, 0, len(aliases))
	for _, alias := range aliases {
		data = append(data, model{ID: alias, Object: "model"})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.ledger.Summary(r.Context())
	if err != nil {
		slog.Error("usage summary failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"tenants": summaries})
}

func (h *Handler) handleTenantUsage(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	summaries, err := h.ledger.Summary(r.Context())
	if err != nil {
		slog.Error("usage summary failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	summary, ok := summaries[tenant]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown tenant")
		return
	}

	records, err := h.ledger.Records(r.Context(), tenant)
	if err != nil {
		slog.Error("usage records failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenant":  tenant,
		"summary": summary,
		"records": records,
	})
}

// flushWriter flushes after every write so stream consumers see chunks
// as they arrive, and remembers whether anything went out.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
	wrote   bool
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.wrote = true
		fw.flusher.Flush()
	}
	return n, err
}

func writeDomainError(w http.ResponseWriter, err error) {
	var (
		ve *domain.ValidationError
		pv *domain.PolicyViolation
		ue *domain.UpstreamError
		ee *domain.ExtractionError
		se *domain.SchemaValidationError
	)

	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, domain.ErrRouteNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &pv):
		writeError(w, http.StatusForbidden, pv.Error())
	case errors.As(err, &ee):
		writeError(w, http.StatusUnprocessableEntity, ee.Error())
	case errors.As(err, &se):
		writeSchemaError(w, se)
	case errors.As(err, &ue):
		writeError(w, http.StatusBadGateway, ue.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeSchemaError(w http.ResponseWriter, se *domain.SchemaValidationError) {
	type violation struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	}
	violations := make([]violation, 0, len(se.Violations))
	for _, v := range se.Violations {
		violations = append(violations, violation{Path: v.Path, Message: v.Message})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	json.NewEncoder(w).Encode(map[string]any{
		"error":      "schema validation failed",
		"violations": violations,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
