package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tracelog/internal/models"
	"tracelog/internal/query"
	"tracelog/internal/tracer"
	"tracelog/pkg/llm"
)

const chatComponent = "ChatAPI"

// Handler holds the server dependencies
type Handler struct {
	query    *query.Service
	tracer   *tracer.Tracer
	provider llm.Provider
}

// NewHandler creates a new handler. provider may be nil, in which case the
// chat endpoint answers 503.
func NewHandler(q *query.Service, t *tracer.Tracer, provider llm.Provider) *Handler {
	return &Handler{
		query:    q,
		tracer:   t,
		provider: provider,
	}
}

// RegisterRoutes registers all HTTP routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)

	r.Route("/api/observability", func(r chi.Router) {
		r.Get("/logs", h.HandleListLogs)
		r.Get("/traces", h.HandleListTraces)
		r.Get("/traces/{traceId}/events", h.HandleListEvents)
		r.Get("/stats", h.HandleStats)
	})
	r.Post("/api/chat", h.HandleChat)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.FromContext(r.Context()).Warnf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// writeQueryError maps query failures onto status codes.
func writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, query.ErrInvalidQuery) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	clog.FromContext(r.Context()).Errorf("query failed: %v", err)
	writeError(w, r, http.StatusInternalServerError, err.Error())
}

// parseLimit reads the optional limit parameter. Absent means zero, which the
// query service replaces with its default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// HandleListLogs serves GET /api/observability/logs
func (h *Handler) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := h.query.ListLogs(r.Context(), query.LogQuery{
		Limit:     limit,
		Level:     r.URL.Query().Get("level"),
		Component: r.URL.Query().Get("component"),
	})
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"logs":  logs,
		"count": len(logs),
	})
}

// HandleListTraces serves GET /api/observability/traces
func (h *Handler) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	traces, err := h.query.ListTraces(r.Context(), query.TraceQuery{
		Limit:     limit,
		Component: r.URL.Query().Get("component"),
		Status:    r.URL.Query().Get("status"),
	})
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"traces": traces,
		"count":  len(traces),
	})
}

// HandleListEvents serves GET /api/observability/traces/{traceId}/events
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	events, err := h.query.ListEventsByTraceID(r.Context(), traceID)
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"events":  events,
		"count":   len(events),
		"traceId": traceID,
	})
}

// HandleStats serves GET /api/observability/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.query.GetStats(r.Context())
	if err != nil {
		writeQueryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{"stats": stats})
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []llm.Message `json:"messages"`
	Model    string        `json:"model,omitempty"`
}

// ChatResponse is the reply to POST /api/chat.
type ChatResponse struct {
	Reply   string `json:"reply"`
	TraceID string `json:"traceId"`
}

// HandleChat answers the latest user message inside a trace.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		writeError(w, r, http.StatusServiceUnavailable, "no LLM provider configured")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt, ok := llm.LastUserMessage(req.Messages)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "no user message")
		return
	}

	tc := tracer.TraceContext{
		TraceID:   "chat-" + uuid.NewString(),
		Component: chatComponent,
		Name:      "chat",
		Metadata: models.Metadata{
			"provider": h.provider.Name(),
			"model":    req.Model,
			"turns":    len(req.Messages),
		},
	}
	reply, err := tracer.WithTrace(r.Context(), h.tracer, tc, func(ctx context.Context, traceID string) (string, error) {
		h.tracer.LogEvent(ctx, tracer.EventParams{
			TraceID:   traceID,
			Level:     models.LevelInfo,
			Component: chatComponent,
			Action:    "prompt_received",
			Message:   "Received chat prompt",
			Data:      models.Metadata{"chars": len(prompt)},
		})
		return h.provider.Chat(ctx, req.Messages)
	})
	if err != nil {
		h.tracer.Error(r.Context(), "chat failed", tracer.LogContext{
			Component: chatComponent,
			TraceID:   tc.TraceID,
			RequestID: requestID(r.Context()),
		}, err)
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, r, http.StatusOK, ChatResponse{Reply: reply, TraceID: tc.TraceID})
}

// HandleHealth returns health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReady reports whether the store answers.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.query.Ping(r.Context()); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}
