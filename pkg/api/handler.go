package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-transform/pkg/domain"
	"github.com/polisai/polis-transform/pkg/executor"
)

// TraceHeader lets callers supply a correlation id without touching the body.
const TraceHeader = "X-Trace-ID"

// StatusHeader mirrors the result status of single executions.
const StatusHeader = "X-Transform-Status"

const defaultMaxBodyBytes = 2 << 20

// Lister enumerates registered transforms.
type Lister interface {
	List() []domain.TrustedTransform
}

// Deps are the collaborators served over HTTP.
type Deps struct {
	Executor     executor.Executor
	Chain        *executor.Chain
	Catalog      Lister
	Gate         executor.Gate
	Metrics      *executor.Metrics
	Logger       *slog.Logger
	MaxBodyBytes int64
}

type handler struct {
	deps   Deps
	logger *slog.Logger
}

// ExecuteRequest is the body of POST /v1/transforms/{id}/execute.
type ExecuteRequest struct {
	Input   map[string]any `json:"input"`
	TraceID string         `json:"trace_id,omitempty"`
}

// ChainRequest is the body of POST /v1/chains/execute.
type ChainRequest struct {
	TransformIDs []string       `json:"transform_ids"`
	Input        map[string]any `json:"input"`
	TraceID      string         `json:"trace_id,omitempty"`
}

// ChainResponse wraps the ordered chain results.
type ChainResponse struct {
	TraceID string                   `json:"trace_id"`
	Results []domain.TransformResult `json:"results"`
}

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status     string `json:"status"`
	Executor   string `json:"executor"`
	Enabled    bool   `json:"transforms_enabled"`
	Transforms int    `json:"transforms"`
}

// NewHandler builds the routed, instrumented HTTP handler.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &handler{deps: deps, logger: logger}

	httpMetrics := newHTTPMetrics(deps.Metrics)

	mux := http.NewServeMux()
	mux.Handle("POST /v1/transforms/{id}/execute", httpMetrics.wrap("execute", http.HandlerFunc(h.handleExecute)))
	mux.Handle("POST /v1/chains/execute", httpMetrics.wrap("chain", http.HandlerFunc(h.handleChain)))
	mux.Handle("GET /v1/transforms", httpMetrics.wrap("list", http.HandlerFunc(h.handleList)))
	mux.Handle("GET /healthz", httpMetrics.wrap("health", http.HandlerFunc(h.handleHealth)))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return otelhttp.NewHandler(mux, "polis-transform",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if r.Pattern != "" {
				return r.Pattern
			}
			return r.Method + " " + r.URL.Path
		}),
	)
}

func (h *handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !h.decode(w, r, &req) {
		return
	}
	traceID := resolveTraceID(req.TraceID, r)

	result := h.deps.Executor.Execute(r.Context(), r.PathValue("id"), req.Input, traceID)

	w.Header().Set(StatusHeader, string(result.Status))
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleChain(w http.ResponseWriter, r *http.Request) {
	var req ChainRequest
	if !h.decode(w, r, &req) {
		return
	}
	traceID := resolveTraceID(req.TraceID, r)

	results := h.deps.Chain.Execute(r.Context(), req.TransformIDs, req.Input, traceID)

	writeJSON(w, http.StatusOK, ChainResponse{TraceID: traceID, Results: results})
}

func (h *handler) handleList(w http.ResponseWriter, _ *http.Request) {
	transforms := h.deps.Catalog.List()
	if transforms == nil {
		transforms = []domain.TrustedTransform{}
	}
	writeJSON(w, http.StatusOK, transforms)
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{
		Status:     "ok",
		Executor:   h.deps.Executor.Name(),
		Enabled:    h.deps.Gate != nil && h.deps.Gate.Enabled(),
		Transforms: len(h.deps.Catalog.List()),
	})
}

// decode reads one JSON body and reports whether handling may continue.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	body := http.MaxBytesReader(w, r.Body, h.deps.MaxBodyBytes)
	decoder := json.NewDecoder(body)
	decoder.UseNumber()
	if err := decoder.Decode(into); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", "")
			return false
		}
		h.logger.Debug("Rejected request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be a JSON object", "")
		return false
	}
	return true
}

func resolveTraceID(fromBody string, r *http.Request) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(TraceHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message, traceID string) {
	writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message, TraceID: traceID})
}
