package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/engine"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/tracing"
)

// Deliverer is the engine surface the consumers drive.
type Deliverer interface {
	Deliver(ctx context.Context, ev engine.Event) (*engine.Report, error)
	Resume(ctx context.Context, jobID string) (*engine.Report, error)
}

const (
	// BusyDelay is how long a message for a leased job waits before redelivery.
	BusyDelay = 20 * time.Second
	// maxRequeueDelay caps the backoff for store failures.
	maxRequeueDelay = time.Minute
)

// Handler turns NSQ messages into engine calls. Messages are always
// answered explicitly: Finish on any terminal outcome, Requeue when the
// engine could not run.
type Handler struct {
	engine Deliverer
	logger *logging.Logger
}

func NewHandler(e Deliverer, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: e, logger: logger}
}

// Completions returns the handler for the job_completions topic.
func (h *Handler) Completions() nsq.Handler { return nsq.HandlerFunc(h.handleCompletion) }

// Retries returns the handler for the delivery_retries topic.
func (h *Handler) Retries() nsq.Handler { return nsq.HandlerFunc(h.handleRetry) }

func (h *Handler) handleCompletion(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer h.ensureResponded(m)

	var c JobCompletion
	if err := json.Unmarshal(m.Body, &c); err != nil {
		h.logger.Plain().WithError(err).Error("bad job completion message")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}
	metrics.RecordEventReceived("nsq")

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), c.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "queue.job_completion",
		tracing.AttrTargetURL.String(c.TargetURL),
		attribute.Int("nsq.attempts", int(m.Attempts)),
	)
	defer span.End()

	rep, err := h.engine.Deliver(ctx, c.Event())
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		h.logger.WithContext(ctx).WithError(err).Error("invalid job completion dropped")
		m.Finish()
	case errors.Is(err, engine.ErrDeadLettered):
		h.logger.WithContext(ctx).WithError(err).Warn("job completion for dead-lettered delivery dropped")
		m.Finish()
	case errors.Is(err, engine.ErrInFlight):
		m.Requeue(BusyDelay)
	case err != nil:
		tracing.SetSpanError(ctx, err)
		h.logger.WithContext(ctx).WithError(err).Error("job completion failed, requeueing")
		m.Requeue(requeueDelay(m.Attempts))
	default:
		h.logger.WithContext(ctx).WithJob(rep.JobID).WithDelivery(rep.DeliveryID).WithField("result", rep.Result).Info("job completion handled")
		m.Finish()
	}
	return nil
}

func (h *Handler) handleRetry(m *nsq.Message) error {
	m.DisableAutoResponse()
	defer h.ensureResponded(m)

	var t RetryTask
	if err := json.Unmarshal(m.Body, &t); err != nil || t.JobID == "" {
		h.logger.Plain().WithError(err).Error("bad retry task message")
		m.Finish()
		return nil
	}

	ctx := tracing.ExtractTraceFromNSQ(context.Background(), t.TraceHeaders)
	ctx, span := tracing.StartJobSpan(ctx, "queue.retry", t.JobID)
	defer span.End()
	log := h.logger.WithContext(ctx).WithJob(t.JobID)

	rep, err := h.engine.Resume(ctx, t.JobID)
	switch {
	case errors.Is(err, delivery.ErrStatusNotFound):
		log.Warn("retry for missing delivery dropped")
		m.Finish()
	case errors.Is(err, engine.ErrInFlight):
		m.Requeue(BusyDelay)
	case err != nil:
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("retry failed, requeueing")
		m.Requeue(requeueDelay(m.Attempts))
	default:
		log.WithDelivery(rep.DeliveryID).WithField("result", rep.Result).Info("retry handled")
		m.Finish()
	}
	return nil
}

func (h *Handler) ensureResponded(m *nsq.Message) {
	if !m.HasResponded() {
		h.logger.Plain().Warn("message had no response, finishing")
		m.Finish()
	}
}

// requeueDelay grows linearly with the NSQ attempt count.
func requeueDelay(attempts uint16) time.Duration {
	d := time.Duration(attempts) * time.Second
	if d > maxRequeueDelay {
		return maxRequeueDelay
	}
	return d
}
