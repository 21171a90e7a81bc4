package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	appjobs "github.com/bryanwahyu/automaton-comply/internal/application/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/application/orchestrator"
	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
	domain "github.com/bryanwahyu/automaton-comply/internal/domain/jobs"
	"github.com/bryanwahyu/automaton-comply/internal/domain/knowledge"
	"github.com/bryanwahyu/automaton-comply/internal/middleware"
)

// JobService is the report job surface the router exposes.
type JobService interface {
	Submit(ctx context.Context, payload map[string]any) (domain.JobID, error)
	Status(ctx context.Context, id domain.JobID) (*appjobs.StatusView, error)
	Artifact(ctx context.Context, id domain.JobID) ([]byte, string, error)
	Cancel(ctx context.Context, id domain.JobID) error
	AuditTrail(ctx context.Context, id domain.JobID) ([]audit.Entry, error)
}

// KnowledgeSearcher exposes semantic lookup to analysts.
type KnowledgeSearcher interface {
	SemanticSearch(ctx context.Context, c knowledge.SemanticCollection, query string, topK int) ([]knowledge.ScoredDocument, error)
}

type Router struct {
	jobsSvc JobService
	kb      KnowledgeSearcher
}

func NewRouter(jobsSvc JobService, kb KnowledgeSearcher, health http.HandlerFunc, log *zap.Logger) http.Handler {
	r := &Router{jobsSvc: jobsSvc, kb: kb}
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))
	mux.Use(middleware.LoggingMiddleware(log))
	mux.Use(middleware.RateLimitMiddleware(100, 50))

	mux.Get("/health", health)
	mux.Get("/health/ready", middleware.ReadinessHandler)
	mux.Get("/health/live", middleware.LivenessHandler)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Post("/reports", r.wrap(r.handleSubmit))
		rt.Get("/reports/{id}/status", r.wrap(r.handleStatus))
		rt.Get("/reports/{id}/artifact", r.wrap(r.handleArtifact))
		rt.Post("/reports/{id}/cancel", r.wrap(r.handleCancel))
		rt.Get("/reports/{id}/audit", r.wrap(r.handleAudit))
		rt.Get("/kb/search", r.wrap(r.handleSearch))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			var unavailable *knowledge.TierUnavailableError
			switch {
			case errors.Is(err, domain.ErrNotFound), errors.Is(err, knowledge.ErrNotFound):
				http.Error(w, "not found", http.StatusNotFound)
			case errors.Is(err, appjobs.ErrEmptyPayload):
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, appjobs.ErrNotReady):
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.As(err, &unavailable):
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrQueueClosed):
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		}
	}
}

// POST /v1/reports
// Body: the raw case record. Returns the job id to poll.
func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) error {
	var payload map[string]any
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		return appjobs.ErrEmptyPayload
	}
	id, err := r.jobsSvc.Submit(req.Context(), payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	return json.NewEncoder(w).Encode(map[string]any{
		"job_id":    string(id),
		"status":    "queued",
		"queued_at": time.Now().UTC(),
	})
}

// GET /v1/reports/{id}/status
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	view, err := r.jobsSvc.Status(req.Context(), domain.JobID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(view)
}

// GET /v1/reports/{id}/artifact
func (r *Router) handleArtifact(w http.ResponseWriter, req *http.Request) error {
	body, contentType, err := r.jobsSvc.Artifact(req.Context(), domain.JobID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	_, err = w.Write(body)
	return err
}

// POST /v1/reports/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id := domain.JobID(chi.URLParam(req, "id"))
	if err := r.jobsSvc.Cancel(req.Context(), id); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{
		"job_id": string(id),
		"status": "cancellation requested",
	})
}

// GET /v1/reports/{id}/audit
func (r *Router) handleAudit(w http.ResponseWriter, req *http.Request) error {
	entries, err := r.jobsSvc.AuditTrail(req.Context(), domain.JobID(chi.URLParam(req, "id")))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(entries)
}

// GET /v1/kb/search?collection=Regulations&q=structuring&top_k=5
func (r *Router) handleSearch(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query().Get("q")
	if q == "" {
		return appjobs.ErrEmptyPayload
	}
	col := knowledge.SemanticCollection(req.URL.Query().Get("collection"))
	if col == "" {
		col = knowledge.Regulations
	}
	topK, _ := strconv.Atoi(req.URL.Query().Get("top_k"))

	hits, err := r.kb.SemanticSearch(req.Context(), col, q, topK)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(hits)
}
