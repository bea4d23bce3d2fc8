package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/engine"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/queue"
)

const maxBodyBytes = 1 << 20

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) createDelivery(w http.ResponseWriter, r *http.Request) {
	var ev engine.Event
	if err := decode(r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	metrics.RecordEventReceived("api")

	if r.URL.Query().Get("async") == "true" {
		if s.enqueuer == nil {
			writeError(w, http.StatusNotImplemented, "async_disabled", "no queue configured")
			return
		}
		if ev.TargetURL == "" || len(ev.Payload) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_event", "targetUrl and payload are required")
			return
		}
		err := s.enqueuer.PublishCompletion(r.Context(), queue.JobCompletion{
			TargetURL:    ev.TargetURL,
			ExtraHeaders: ev.ExtraHeaders,
			MaxAttempts:  ev.MaxAttempts,
			Payload:      ev.Payload,
		})
		if err != nil {
			s.logger.WithContext(r.Context()).WithError(err).Error("enqueue completion failed")
			writeError(w, http.StatusServiceUnavailable, "enqueue_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}

	rep, err := s.engine.Deliver(r.Context(), ev)
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	case errors.Is(err, engine.ErrInFlight):
		writeError(w, http.StatusConflict, "in_flight", err.Error())
	case errors.Is(err, engine.ErrDeadLettered):
		writeError(w, http.StatusConflict, "dead_lettered", err.Error())
	case err != nil:
		s.logger.WithContext(r.Context()).WithError(err).Error("deliver failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	case rep.Result == engine.ResultScheduled:
		writeJSON(w, http.StatusAccepted, rep)
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	in, err := s.engine.Inspect(r.Context(), chi.URLParam(r, "jobId"))
	if errors.Is(err, delivery.ErrStatusNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Delivery not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) archiveDelivery(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.ArchiveManual(r.Context(), chi.URLParam(r, "jobId"))
	switch {
	case errors.Is(err, delivery.ErrStatusNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Delivery not found")
	case errors.Is(err, deadletter.ErrAlreadyArchived), errors.Is(err, delivery.ErrTerminalState), errors.Is(err, engine.ErrInFlight):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

// retryWebhook answers with a RetryResponse in every non-error case;
// refusals use 422 so HTTP callers see a failure status.
func (s *Server) retryWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req deadletter.RetryRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, deadletter.RetryResponse{Message: "Invalid JSON body"})
		return
	}
	if req.WebhookID == "" {
		req.WebhookID = id
	}
	if req.WebhookID != id {
		writeJSON(w, http.StatusBadRequest, deadletter.RetryResponse{Message: "webhookId does not match path"})
		return
	}

	resp, err := s.engine.ManualRetry(r.Context(), req)
	if err != nil {
		s.logger.WithContext(r.Context()).WithJob(id).WithError(err).Error("manual retry failed")
		writeJSON(w, http.StatusInternalServerError, deadletter.RetryResponse{Message: err.Error()})
		return
	}
	if !resp.Success {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok1 := queryInt(r, "limit")
	offset, ok2 := queryInt(r, "offset")
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit and offset must be non-negative integers")
		return
	}
	page, err := s.archive.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.archive.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	e, err := s.archive.Get(r.Context(), chi.URLParam(r, "entryId"))
	if errors.Is(err, deadletter.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Dead-letter entry not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	resp, err := s.archive.Retry(r.Context(), chi.URLParam(r, "entryId"))
	switch {
	case errors.Is(err, deadletter.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Dead-letter entry not found")
	case errors.Is(err, deadletter.ErrRetryRejected):
		writeJSON(w, http.StatusConflict, resp)
	case err != nil && resp != nil:
		// accepted, but the entry is still listed
		writeJSON(w, http.StatusOK, resp)
	case err != nil:
		writeError(w, http.StatusBadGateway, "retry_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) clearDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.archive.Clear(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}
