package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/aide/internal/approval"
	"github.com/kalambet/aide/internal/intent"
	"github.com/kalambet/aide/internal/ledger"
	"github.com/kalambet/aide/internal/mood"
	"github.com/kalambet/aide/internal/normalize"
	"github.com/kalambet/aide/internal/pipeline"
	"github.com/kalambet/aide/internal/planner"
	"github.com/kalambet/aide/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Pipeline is the decision pipeline surface exposed over HTTP and MCP.
// Implemented by *pipeline.Service.
type Pipeline interface {
	Submit(ctx context.Context, sessionID string, in normalize.Input) (pipeline.Response, error)
	Approve(ctx context.Context, sessionID, proposalID string) (approval.Execution, error)
	Reject(sessionID, proposalID string) (planner.PlannedAction, error)
	Pending(sessionID string) (planner.PlannedAction, bool)
	CloseSession(sessionID string) (*planner.PlannedAction, error)
	CurrentMood(sessionID string) (mood.Inference, bool)

	RecordPromptShown(sessionID string) mood.EngagementMetrics
	RecordPromptDismissed(sessionID string) mood.EngagementMetrics
	RecordPromptAccepted(sessionID string) mood.EngagementMetrics
	ResetEngagement(sessionID string)
	PromptStatus(sessionID string) pipeline.PromptStatus
	RecordFriction(sessionID string, f mood.Friction)
	RecordPostponement(sessionID string)

	GetLedgerEntry(id string) (ledger.Entry, error)
	QueryLedger(f ledger.Filter) []ledger.Entry
	Explain(id string) (string, error)
}

// EntityReader lists what the local executor has stored.
type EntityReader interface {
	GetEntity(id string) (storage.Entity, error)
	ListEntities(kind string, limit int) ([]storage.Entity, error)
}

// SubmitRequest is the body of POST /v1/sessions/{session}/inputs.
type SubmitRequest struct {
	Kind     string            `json:"kind"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FrictionRequest is the body of POST /v1/sessions/{session}/friction.
type FrictionRequest struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

type AppDeps struct {
	Pipeline Pipeline
	Entities EntityReader // optional; entity routes answer 404 without it
	Token    string
}

// NewAppHandler returns the authenticated assistant API.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Route("/v1/sessions/{session}", func(r chi.Router) {
			r.Post("/inputs", handleSubmit(deps))
			r.Get("/pending", handlePending(deps))
			r.Post("/proposals/{id}/approve", handleApprove(deps))
			r.Post("/proposals/{id}/reject", handleReject(deps))
			r.Delete("/", handleCloseSession(deps))
			r.Get("/mood", handleMood(deps))

			r.Get("/prompts", handlePromptStatus(deps))
			r.Post("/prompts/{event}", handlePromptEvent(deps))
			r.Delete("/engagement", handleResetEngagement(deps))
			r.Post("/friction", handleFriction(deps))
			r.Post("/postponements", handlePostponement(deps))
		})

		r.Get("/v1/decisions", handleQueryDecisions(deps))
		r.Get("/v1/decisions/{id}", handleGetDecision(deps))
		r.Get("/v1/decisions/{id}/explain", handleExplainDecision(deps))

		r.Get("/v1/entities", handleListEntities(deps))
		r.Get("/v1/entities/{id}", handleGetEntity(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		kind := normalize.Kind(req.Kind)
		if kind == "" {
			kind = normalize.KindText
		}
		if !kind.IsValid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown input kind %q", req.Kind)
			return
		}

		session := chi.URLParam(r, "session")
		resp, err := deps.Pipeline.Submit(r.Context(), session, normalize.NewInput(kind, req.Content, req.Metadata))
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, resp)
	}
}

func handlePending(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := deps.Pipeline.Pending(chi.URLParam(r, "session"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no pending proposal")
			return
		}
		writeJSON(w, p)
	}
}

func handleApprove(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, err := deps.Pipeline.Approve(r.Context(), chi.URLParam(r, "session"), chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, exec)
	}
}

func handleReject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Pipeline.Reject(chi.URLParam(r, "session"), chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, a)
	}
}

func handleCloseSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cancelled, err := deps.Pipeline.CloseSession(chi.URLParam(r, "session"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		out := map[string]any{"status": "closed"}
		if cancelled != nil {
			out["cancelled"] = cancelled
		}
		writeJSON(w, out)
	}
}

func handleMood(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inf, ok := deps.Pipeline.CurrentMood(chi.URLParam(r, "session"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "no mood inferred yet")
			return
		}
		writeJSON(w, inf)
	}
}

func handlePromptStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Pipeline.PromptStatus(chi.URLParam(r, "session")))
	}
}

func handlePromptEvent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session := chi.URLParam(r, "session")
		var m mood.EngagementMetrics
		switch event := chi.URLParam(r, "event"); event {
		case "shown":
			m = deps.Pipeline.RecordPromptShown(session)
		case "dismissed":
			m = deps.Pipeline.RecordPromptDismissed(session)
		case "accepted":
			m = deps.Pipeline.RecordPromptAccepted(session)
		default:
			httpError(w, http.StatusNotFound, "not_found", "unknown prompt event %q", event)
			return
		}
		writeJSON(w, m)
	}
}

func handleResetEngagement(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Pipeline.ResetEngagement(chi.URLParam(r, "session"))
		writeJSON(w, map[string]string{"status": "reset"})
	}
}

func handleFriction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req FrictionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ft := mood.FrictionType(req.Type)
		switch ft {
		case mood.FrictionRepeatedEdits, mood.FrictionAbandonment, mood.FrictionLongCompletionTime:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown friction type %q", req.Type)
			return
		}
		deps.Pipeline.RecordFriction(chi.URLParam(r, "session"), mood.Friction{Type: ft, EntityID: req.EntityID})
		writeJSON(w, map[string]string{"status": "recorded"})
	}
}

func handlePostponement(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Pipeline.RecordPostponement(chi.URLParam(r, "session"))
		writeJSON(w, map[string]string{"status": "recorded"})
	}
}

func handleQueryDecisions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := ledger.Filter{
			SessionID: q.Get("session"),
			EntityID:  q.Get("entity"),
			Limit:     parseIntParam(r, "limit", 20, 1000),
		}
		if s := q.Get("below"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid below: %v", err)
				return
			}
			f.MaxConfidence = &v
		}
		var err error
		if f.From, err = parseTimeParam(r, "from"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if f.To, err = parseTimeParam(r, "to"); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		entries := deps.Pipeline.QueryLedger(f)
		if entries == nil {
			entries = []ledger.Entry{}
		}
		writeJSON(w, entries)
	}
}

func handleGetDecision(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Pipeline.GetLedgerEntry(chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		writeJSON(w, e)
	}
}

func handleExplainDecision(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		text, err := deps.Pipeline.Explain(chi.URLParam(r, "id"))
		if err != nil {
			pipelineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(text))
	}
}

func handleListEntities(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Entities == nil {
			httpError(w, http.StatusNotFound, "not_found", "entity storage not configured")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		entities, err := deps.Entities.ListEntities(r.URL.Query().Get("kind"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list entities: %v", err)
			return
		}
		if entities == nil {
			entities = []storage.Entity{}
		}
		writeJSON(w, entities)
	}
}

func handleGetEntity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Entities == nil {
			httpError(w, http.StatusNotFound, "not_found", "entity storage not configured")
			return
		}
		e, err := deps.Entities.GetEntity(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "entity not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get entity: %v", err)
			return
		}
		writeJSON(w, e)
	}
}

// pipelineError maps pipeline sentinels onto HTTP statuses.
func pipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrEmptyInput):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, intent.ErrClassificationFailure):
		httpError(w, http.StatusUnprocessableEntity, "classification_error", "%v", intent.ErrClassificationFailure)
	case errors.Is(err, pipeline.ErrUnknownSession),
		errors.Is(err, approval.ErrNoPendingProposal),
		errors.Is(err, ledger.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, approval.ErrProposalPending),
		errors.Is(err, approval.ErrProposalMismatch),
		errors.Is(err, approval.ErrExecutionInFlight),
		errors.Is(err, approval.ErrTokenConsumed),
		errors.Is(err, approval.ErrTokenMismatch),
		errors.Is(err, approval.ErrGateClosed):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	default:
		slog.Error("pipeline request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

// parseTimeParam reads an RFC 3339 query parameter; absent means zero.
func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return t, nil
}
