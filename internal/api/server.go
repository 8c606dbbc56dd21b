// ABOUTME: HTTP layer: enqueue endpoint, result lookup, queue stats, healthz, metrics.
// ABOUTME: Thin chi router over the queue, result store, and worker snapshot APIs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/julianstephens/photo-gallery-sub002/internal/queue"
	"github.com/julianstephens/photo-gallery-sub002/internal/results"
	"github.com/julianstephens/photo-gallery-sub002/internal/worker"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	queue   *queue.Queue
	results *results.Store
	worker  *worker.Worker
}

// NewServer creates a Server over the given queue, result store, and worker.
func NewServer(q *queue.Queue, rs *results.Store, w *worker.Worker) *Server {
	return &Server{queue: q, results: rs, worker: w}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB body limit — enqueue requests are tiny JSON documents.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/artifacts", srv.enqueueHandler)
		r.Get("/artifacts/{job_id}", srv.getArtifactHandler)
		r.Get("/queue/stats", srv.statsHandler)
	})

	return r
}

// enqueueRequest is the POST /api/v1/artifacts body.
type enqueueRequest struct {
	StorageKey string `json:"storageKey"`
	TenantID   string `json:"tenantId,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// enqueueHandler accepts a job payload and returns 202 with the job ID.
// Validation failures are 400 — a bad payload is the caller's fault, not a
// queue fault.
func (srv *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	jobID, err := srv.queue.Enqueue(r.Context(), queue.Payload{
		StorageKey: req.StorageKey,
		TenantID:   req.TenantID,
		Collection: req.Collection,
	})
	if errors.Is(err, queue.ErrInvalidPayload) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "enqueue failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "enqueue failed")
		return
	}

	if err := srv.results.MarkPending(r.Context(), jobID); err != nil {
		slog.ErrorContext(r.Context(), "mark result pending", "job_id", jobID, "error", err)
	}

	writeJSON(w, r, http.StatusAccepted, map[string]string{"jobId": jobID})
}

// getArtifactHandler returns the result record for a job ID, 404 when absent.
func (srv *Server) getArtifactHandler(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	rec, err := srv.results.Get(r.Context(), jobID)
	if errors.Is(err, results.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "no result for job")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "get result", "job_id", jobID, "error", err)
		writeError(w, r, http.StatusInternalServerError, "result lookup failed")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// queueStatsResponse is the GET /api/v1/queue/stats body: the worker's
// process-local counters plus eventually-consistent queue depth snapshots.
type queueStatsResponse struct {
	worker.Stats
	QueueLength     int64 `json:"queueLength"`
	ProcessingCount int64 `json:"processingCount"`
	DelayedCount    int64 `json:"delayedCount"`
}

func (srv *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := queueStatsResponse{Stats: srv.worker.Stats()}

	var err error
	if resp.QueueLength, err = srv.queue.PendingCount(ctx); err != nil {
		slog.ErrorContext(ctx, "queue stats", "error", err)
		writeError(w, r, http.StatusInternalServerError, "queue stats failed")
		return
	}
	if resp.ProcessingCount, err = srv.queue.ProcessingCount(ctx); err != nil {
		slog.ErrorContext(ctx, "queue stats", "error", err)
		writeError(w, r, http.StatusInternalServerError, "queue stats failed")
		return
	}
	if resp.DelayedCount, err = srv.queue.DelayedCount(ctx); err != nil {
		slog.ErrorContext(ctx, "queue stats", "error", err)
		writeError(w, r, http.StatusInternalServerError, "queue stats failed")
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when Redis is reachable, or
// 503 {"status":"degraded","store":"unavailable"} when it is not.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK

	if err := srv.queue.Ping(r.Context()); err != nil {
		slog.WarnContext(r.Context(), "healthz: store ping failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, r, statusCode, resp)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}
