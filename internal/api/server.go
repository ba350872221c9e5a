// Package api exposes the HTTP interface for the download service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/chapterd/internal/dispatcher"
	"github.com/JakeFAU/chapterd/internal/download"
	"github.com/JakeFAU/chapterd/internal/metrics"
	"github.com/JakeFAU/chapterd/internal/ownership"
	"github.com/JakeFAU/chapterd/internal/progress"
)

const (
	defaultRequestTimeout = 60 * time.Second
	enqueueTimeout        = 5 * time.Second
)

// Controller admits and stops downloads. *dispatcher.Dispatcher implements it.
type Controller interface {
	Enqueue(ctx context.Context, req download.StartRequest) (ownership.Decision, error)
	Stop(work string) dispatcher.Ack
	QueueDepth() int
	Holders() []ownership.Holder
}

// EventSource serves the live status projection and event stream.
// *progress.Hub implements it.
type EventSource interface {
	CurrentStatus() progress.Status
	Subscribe(ctx context.Context) *progress.Subscription
}

// EventHistory serves persisted events of one work.
type EventHistory interface {
	ListEvents(ctx context.Context, work string, limit int) ([]progress.Event, error)
}

// Options tunes the server. Zero values are valid.
type Options struct {
	// APIKey guards every /v1 route when set.
	APIKey         string
	RequestTimeout time.Duration
	// Heartbeat is the comment interval on the live event stream.
	Heartbeat time.Duration
	// Ready reports whether downstream dependencies can take traffic.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the dispatcher, hub and stores.
type Server struct {
	router  chi.Router
	ctl     Controller
	events  EventSource
	store   download.ProgressStore
	history EventHistory
	opts    Options
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history may be nil.
func NewServer(
	ctl Controller,
	events EventSource,
	store download.ProgressStore,
	history EventHistory,
	opts Options,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	s := &Server{
		ctl:     ctl,
		events:  events,
		store:   store,
		history: history,
		opts:    opts,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// The stream outlives any request timeout.
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/status", s.getStatus)
			r.Get("/works", s.listWorks)
			r.Route("/works/{work}", func(r chi.Router) {
				r.Post("/start", s.startWork)
				r.Post("/stop", s.stopWork)
				r.Get("/progress", s.getProgress)
				r.Delete("/progress", s.deleteProgress)
				r.Get("/events", s.listEvents)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	URL           string `json:"url"`
	CoverURL      string `json:"cover_url"`
	ForceURL      bool   `json:"force_url"`
	ExpectedTotal int    `json:"expected_total"`
	BatchSize     int    `json:"batch_size"`
}

func (s *Server) startWork(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()

	dec, err := s.ctl.Enqueue(ctx, download.StartRequest{
		Work:          chi.URLParam(r, "work"),
		URL:           body.URL,
		CoverURL:      body.CoverURL,
		ForceURL:      body.ForceURL,
		ExpectedTotal: body.ExpectedTotal,
		BatchSize:     body.BatchSize,
	})
	switch {
	case errors.Is(err, dispatcher.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, download.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	case err != nil:
		s.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue")
		return
	}
	if !dec.Accepted {
		writeJSON(w, http.StatusConflict, map[string]string{"reason": string(dec.Reason)})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ticket_id": dec.TicketID, "deferred": dec.Deferred})
}

func (s *Server) stopWork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Stop(chi.URLParam(r, "work")))
}

type statusResponse struct {
	progress.Status
	Holders    []ownership.Holder `json:"holders"`
	QueueDepth int                `json:"queue_depth"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	holders := s.ctl.Holders()
	if holders == nil {
		holders = []ownership.Holder{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     s.events.CurrentStatus(),
		Holders:    holders,
		QueueDepth: s.ctl.QueueDepth(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
