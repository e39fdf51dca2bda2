// Package api exposes the HTTP interface for the crawl orchestrator.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ryu-qqq/crawlinghub/internal/crawl"
	"github.com/ryu-qqq/crawlinghub/internal/engine"
	"github.com/ryu-qqq/crawlinghub/internal/logging"
	"github.com/ryu-qqq/crawlinghub/internal/outbox"
	"github.com/ryu-qqq/crawlinghub/internal/trigger"
)

// Triggerer starts one crawl cycle unit. Satisfied by *trigger.Coordinator.
type Triggerer interface {
	Trigger(ctx context.Context, req trigger.Request) (trigger.Result, error)
}

// Retryer requeues tasks in batch. Satisfied by *engine.Engine.
type Retryer interface {
	RetryFailedTasks(ctx context.Context, ids []int64) (engine.RetryResult, error)
}

// Republisher re-drives a task's latest outbox event. Satisfied by
// *outbox.Publisher.
type Republisher interface {
	Republish(ctx context.Context, crawlTaskID int64) (outbox.RepublishResult, error)
}

// AgentAdmin exposes the operator recovery surface of the identity pool.
type AgentAdmin interface {
	Recover(ctx context.Context, value string) bool
}

// EventReader resolves a task's latest outbox event so the read model can
// show delivery state (a DEAD event needs operator action even though the
// task row itself still reads PENDING). Satisfied by *postgres.Store.
type EventReader interface {
	LatestEventForTask(ctx context.Context, taskID int64) (crawl.OutboxEvent, error)
}

// Server wires HTTP handlers to the trigger, retry, and republish surfaces.
type Server struct {
	router      chi.Router
	triggerer   Triggerer
	retryer     Retryer
	republisher Republisher
	agents      AgentAdmin
	tasks       crawl.TaskStore
	events      EventReader
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	triggerer Triggerer,
	retryer Retryer,
	republisher Republisher,
	agents AgentAdmin,
	tasks crawl.TaskStore,
	events EventReader,
	logger *zap.Logger,
) *Server {
	s := &Server{
		triggerer:   triggerer,
		retryer:     retryer,
		republisher: republisher,
		agents:      agents,
		tasks:       tasks,
		events:      events,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(traceIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/schedulers/{scheduler_id}/trigger", s.triggerScheduler)
		r.Post("/tasks/retry", s.retryTasks)
		r.Get("/tasks/{task_id}", s.getTask)
		r.Post("/outbox/{task_id}/republish", s.republishOutbox)
		r.Post("/agents/{value}/recover", s.recoverAgent)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerRequest struct {
	SellerID   int64   `json:"seller_id"`
	TaskType   string  `json:"task_type"`
	PageNumber *int    `json:"page_number"`
	ItemNo     *string `json:"item_no"`
}

func (s *Server) triggerScheduler(w http.ResponseWriter, r *http.Request) {
	schedulerID, err := strconv.ParseInt(chi.URLParam(r, "scheduler_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scheduler id")
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	result, err := s.triggerer.Trigger(r.Context(), trigger.Request{
		SchedulerID: schedulerID,
		SellerID:    req.SellerID,
		TaskType:    crawl.TaskType(req.TaskType),
		PageNumber:  req.PageNumber,
		ItemNo:      req.ItemNo,
	})
	if err != nil {
		if crawl.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}

	body := map[string]any{"state": string(result.State)}
	if result.Task != nil {
		body["crawl_task_id"] = result.Task.ID
		body["task_status"] = string(result.Task.Status)
	}
	status := http.StatusAccepted
	if result.State == trigger.StateDuplicate || result.State == trigger.StateInFlight {
		status = http.StatusOK
	}
	writeJSON(w, status, body)
}

type retryRequest struct {
	TaskIDs []int64 `json:"task_ids"`
}

func (s *Server) retryTasks(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	result, err := s.retryer.RetryFailedTasks(r.Context(), req.TaskIDs)
	if err != nil {
		if crawl.IsValidation(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requeued": result.Requeued,
		"skipped":  result.Skipped,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "task_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		if err == crawl.ErrNotFound {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	body := map[string]any{
		"crawl_task_id":   task.ID,
		"scheduler_id":    task.SchedulerID,
		"seller_id":       task.SellerID,
		"task_type":       string(task.TaskType),
		"status":          string(task.Status),
		"attempts":        task.Attempts,
		"idempotency_key": task.IdempotencyKey,
	}
	event, err := s.events.LatestEventForTask(r.Context(), taskID)
	switch {
	case err == nil:
		body["delivery_status"] = string(event.Status)
		body["delivery_retry_count"] = event.RetryCount
	case err != crawl.ErrNotFound:
		logging.WithTrace(r.Context(), s.logger).Warn("delivery state lookup failed",
			zap.Int64("crawl_task_id", taskID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) republishOutbox(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "task_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	result, err := s.republisher.Republish(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "republish failed")
		return
	}
	status := http.StatusOK
	if result.State == outbox.RepublishNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]any{
		"state":     string(result.State),
		"outbox_id": result.EventID,
	})
}

func (s *Server) recoverAgent(w http.ResponseWriter, r *http.Request) {
	value := chi.URLParam(r, "value")
	if value == "" {
		writeError(w, http.StatusBadRequest, "missing agent value")
		return
	}
	if !s.agents.Recover(r.Context(), value) {
		writeError(w, http.StatusNotFound, "agent not found or not blacklisted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value, "state": string(crawl.AgentActive)})
}

func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		logging.WithTrace(r.Context(), s.logger).Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
