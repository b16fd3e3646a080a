package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lumenic/factsheet/internal/model"
	"github.com/lumenic/factsheet/internal/orchestrator"
	"github.com/lumenic/factsheet/internal/storage"
)

// Handlers holds the dependencies every HTTP handler needs.
type Handlers struct {
	orch                *orchestrator.Orchestrator
	broker              *Broker
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
	storageKind         string
}

// HandlersDeps are the dependencies required to build a Handlers.
type HandlersDeps struct {
	Orchestrator        *orchestrator.Orchestrator
	Broker              *Broker // nil disables the SSE subscribe endpoint
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	StorageKind         string
}

// NewHandlers builds a Handlers from its dependencies.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBytes := deps.MaxRequestBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20 // 1 MiB
	}
	return &Handlers{
		orch:                deps.Orchestrator,
		broker:              deps.Broker,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: maxBytes,
		startedAt:           time.Now(),
		storageKind:         deps.StorageKind,
	}
}

// observeRequest is the wire shape of POST /v1/subjects/{subject}/observe.
type observeRequest struct {
	Input       string   `json:"input"`
	Output      string   `json:"output,omitempty"`
	Source      *string  `json:"source,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	ExtractFrom string   `json:"extract_from,omitempty"`
	OnError     string   `json:"on_error,omitempty"`
}

// HandleObserve handles POST /v1/subjects/{subject}/observe.
func (h *Handlers) HandleObserve(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	var req observeRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	in := orchestrator.ObserveInput{
		Subject:        subject,
		InputText:      req.Input,
		OutputText:     req.Output,
		Source:         req.Source,
		Confidence:     req.Confidence,
		IdempotencyKey: idempotencyKeyFromRequest(r),
		Mode:           orchestrator.Mode(stringOrDefault(req.Mode, string(orchestrator.ModeSync))),
		ExtractFrom:    orchestrator.ExtractFrom(stringOrDefault(req.ExtractFrom, string(orchestrator.ExtractFromInput))),
		OnError:        orchestrator.OnError(stringOrDefault(req.OnError, string(orchestrator.OnErrorSkip))),
	}

	result, err := h.orch.Observe(r.Context(), in)
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"profile":      result.Profile,
		"updated":      result.Updated,
		"rejected":     result.Rejected,
		"extracted":    result.Extracted,
		"raw_response": result.RawResponse,
		"latency_ms":   result.LatencyMs,
		"queued":       result.Queued,
		"request_id":   result.RequestID,
	})
}

// patchRequest is the wire shape of POST /v1/subjects/{subject}/patch.
type patchRequest struct {
	Facts      map[string]any `json:"facts"`
	Source     *string        `json:"source,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
}

// HandlePatch handles POST /v1/subjects/{subject}/patch.
func (h *Handlers) HandlePatch(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	var req patchRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if len(req.Facts) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "facts must be non-empty")
		return
	}

	in := orchestrator.PatchInput{
		Subject:        subject,
		Facts:          req.Facts,
		Source:         req.Source,
		Confidence:     req.Confidence,
		IdempotencyKey: idempotencyKeyFromRequest(r),
	}

	result, err := h.orch.Patch(r.Context(), in)
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"profile":  result.Profile,
		"updated":  result.Updated,
		"rejected": result.Rejected,
	})
}

// HandleGet handles GET /v1/subjects/{subject}.
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	profile, found, err := h.orch.Get(r.Context(), subject)
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "subject not found")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"profile": profile})
}

// HandleHistory handles GET /v1/subjects/{subject}/history.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 50)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid limit: "+err.Error())
		return
	}

	result, err := h.orch.History(r.Context(), orchestrator.HistoryInput{
		Subject: subject,
		Field:   q.Get("field"),
		Cursor:  q.Get("cursor"),
		Limit:   limit,
	})
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"entries":     result.Entries,
		"next_cursor": result.NextCursor,
	})
}

// HandleFactsForPrompt handles GET /v1/subjects/{subject}/facts-for-prompt.
func (h *Handlers) HandleFactsForPrompt(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	q := r.URL.Query()
	facts, found, err := h.orch.FactsForPrompt(r.Context(), orchestrator.FactsForPromptInput{
		Subject:      subject,
		Select:       splitCSV(q.Get("select")),
		IncludeNulls: q.Get("include_nulls") == "true",
	})
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "subject not found")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"facts": facts})
}

// HandleFilters handles GET /v1/subjects/{subject}/filters.
func (h *Handlers) HandleFilters(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}

	q := r.URL.Query()
	filters, found, err := h.orch.Filters(r.Context(), orchestrator.FiltersInput{
		Subject: subject,
		Select:  splitCSV(q.Get("select")),
	})
	if err != nil {
		h.writeOrchestratorError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "subject not found")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"filters": filters})
}

// HandleSubscribe handles GET /v1/subjects/{subject}/events — a long-lived
// Server-Sent-Events stream of update/conflict/observe_complete events
// scoped to subject.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "subject is required")
		return
	}
	if h.broker == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "event stream not enabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeInternalError(w, r, "streaming unsupported", errors.New("response writer is not a flusher"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe(subject)
	defer h.broker.Unsubscribe(ch)

	ctx := r.Context()
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Storage: h.storageKind,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeOrchestratorError maps orchestrator/storage errors onto HTTP status
// codes and the standard error envelope.
func (h *Handlers) writeOrchestratorError(w http.ResponseWriter, r *http.Request, err error) {
	var persistErr *orchestrator.PersistenceError
	switch {
	case errors.Is(err, orchestrator.ErrSchemaNotRegistered):
		h.writeInternalError(w, r, "no schema registered", err)
	case errors.Is(err, orchestrator.ErrExtractorNotConfigured):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "observe with extraction requires an extractor client")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "subject not found")
	case errors.As(err, &persistErr):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, persistErr.Error())
	default:
		h.writeInternalError(w, r, "unhandled orchestrator error", err)
	}
}

// idempotencyKeyFromRequest reads the idempotency key from the dedicated
// header, the HTTP-conventional home for this value.
func idempotencyKeyFromRequest(r *http.Request) string {
	return r.Header.Get("Idempotency-Key")
}

func stringOrDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLimit(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
