// Package api exposes the engine and the dead-letter archive over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/austindbirch/jobhook/internal/auth"
	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/engine"
	"github.com/austindbirch/jobhook/internal/health"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/queue"
)

// Enqueuer accepts completions for asynchronous delivery.
type Enqueuer interface {
	PublishCompletion(ctx context.Context, c queue.JobCompletion) error
}

type Options struct {
	Engine  *engine.Engine
	Archive *deadletter.Archive

	// Store backs /healthz; Backend names it in the response.
	Store   health.Pinger
	Backend string

	// Enqueuer is optional; without it ?async=true is rejected.
	Enqueuer Enqueuer

	// Auth is optional; when set every route but /healthz and /metrics
	// requires an operator token.
	Auth    *auth.JWTValidator
	Metrics http.Handler
	Logger  *logging.Logger
}

type Server struct {
	engine   *engine.Engine
	archive  *deadletter.Archive
	enqueuer Enqueuer
	logger   *logging.Logger
	opts     Options
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return &Server{
		engine:   o.Engine,
		archive:  o.Archive,
		enqueuer: o.Enqueuer,
		logger:   o.Logger,
		opts:     o,
	}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", health.HTTPHandler(s.opts.Store, s.opts.Backend))
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		if s.opts.Auth != nil {
			r.Use(s.opts.Auth.RequireRole(auth.RoleOperator))
		}

		r.Post("/deliveries", s.createDelivery)
		r.Get("/deliveries/{jobId}", s.getDelivery)
		r.Post("/deliveries/{jobId}/archive", s.archiveDelivery)

		r.Post("/retry-webhook/{id}", s.retryWebhook)

		r.Get("/dead-letters", s.listDeadLetters)
		r.Delete("/dead-letters", s.clearDeadLetters)
		r.Get("/dead-letters/stats", s.deadLetterStats)
		r.Get("/dead-letters/{entryId}", s.getDeadLetter)
		r.Post("/dead-letters/{entryId}/retry", s.retryDeadLetter)
	})
	return r
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON answers 500 when data cannot be encoded.
func writeJSON(w http.ResponseWriter, status int, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		b, _ = json.Marshal(ErrorResponse{Error: "encode_failed", Message: err.Error()})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
