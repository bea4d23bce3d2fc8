// Package engine runs the delivery control flow: dedupe check, status
// creation, one attempt, then retry scheduling or archival. It also
// answers manual retry requests and sweeps due retries.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/dedupe"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/failure"
	"github.com/austindbirch/jobhook/internal/kv"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/retry"
	"github.com/austindbirch/jobhook/internal/tracing"
)

var (
	ErrInFlight     = errors.New("delivery already in flight")
	ErrInvalidEvent = errors.New("invalid delivery event")
	// ErrDeadLettered refuses a new event for a job whose delivery sits in
	// the archive; only a dead-letter retry may bring it back.
	ErrDeadLettered = errors.New("delivery is dead-lettered")
)

type Result string

const (
	ResultDelivered    Result = "delivered"
	ResultDuplicate    Result = "duplicate"
	ResultScheduled    Result = "scheduled"
	ResultDeadLettered Result = "dead_lettered"
	ResultInFlight     Result = "in_flight"
	ResultSkipped      Result = "skipped"
)

// Event is an inbound job completion to deliver.
type Event struct {
	TargetURL    string            `json:"targetUrl"`
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty"`
	MaxAttempts  int               `json:"maxAttempts,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
}

// Report describes what one engine call did.
type Report struct {
	JobID      string            `json:"jobId"`
	DeliveryID string            `json:"deliveryId,omitempty"`
	Result     Result            `json:"result"`
	Message    string            `json:"message,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	State      delivery.State    `json:"state,omitempty"`
	Error      *failure.Error    `json:"error,omitempty"`
	NextRetry  *time.Time        `json:"nextRetry,omitempty"`
	Entry      *deadletter.Entry `json:"deadLetter,omitempty"`
}

type Deps struct {
	Store    kv.Store
	Statuses *delivery.StatusStore
	Attempts *delivery.AttemptLog
	Ledger   *dedupe.Ledger
	Executor *delivery.Executor
	Retry    *retry.Scheduler
	Archive  *deadletter.Archive
	Logger   *logging.Logger
}

type Engine struct {
	kv       kv.Store
	statuses *delivery.StatusStore
	attempts *delivery.AttemptLog
	ledger   *dedupe.Ledger
	exec     *delivery.Executor
	retry    *retry.Scheduler
	archive  *deadletter.Archive
	logger   *logging.Logger
	leaseTTL time.Duration

	Now func() time.Time
}

func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	return &Engine{
		kv:       d.Store,
		statuses: d.Statuses,
		attempts: d.Attempts,
		ledger:   d.Ledger,
		exec:     d.Executor,
		retry:    d.Retry,
		archive:  d.Archive,
		logger:   d.Logger,
		leaseTTL: d.Executor.Timeout() + 5*time.Second,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Deliver takes a new event through the full control flow.
func (e *Engine) Deliver(ctx context.Context, ev Event) (*Report, error) {
	id, err := dedupe.ParseIdentity(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if id.JobID == "" {
		return nil, fmt.Errorf("%w: payload has no jobId", ErrInvalidEvent)
	}
	if ev.TargetURL == "" {
		return nil, fmt.Errorf("%w: targetUrl is required", ErrInvalidEvent)
	}

	ctx, span := tracing.StartJobSpan(ctx, "engine.deliver", id.JobID, tracing.AttrTargetID.String(id.TargetID))
	defer span.End()
	log := e.logger.WithContext(ctx).WithJob(id.JobID).WithTarget(id.TargetID)

	// advisory: a failed check proceeds as a new event
	dup, err := e.ledger.CheckDuplicate(ctx, id)
	if err != nil {
		e.advisoryFailed(ctx, id.JobID, "dedupe.check", err)
	}
	if dup {
		metrics.RecordDedupeHit()
		metrics.RecordDelivery(string(ResultDuplicate))
		tracing.AddSpanEvent(ctx, "dedupe.hit")
		log.Info("duplicate event suppressed")
		return &Report{JobID: id.JobID, Result: ResultDuplicate, Message: "event already processed"}, nil
	}

	release, err := e.acquire(ctx, id.JobID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.statuses.Get(ctx, id.JobID)
	switch {
	case errors.Is(err, delivery.ErrStatusNotFound):
	case err != nil:
		return nil, err
	case existing.State == delivery.StateDeadLetter:
		log.WithDelivery(existing.ID).Warn("event for dead-lettered delivery refused")
		return nil, fmt.Errorf("%w: %s, retry it from the dead-letter queue", ErrDeadLettered, id.JobID)
	case existing.State == delivery.StatePending || existing.State == delivery.StateFailed:
		return e.reschedule(ctx, existing)
	case !existing.State.Terminal():
		return &Report{
			JobID:      id.JobID,
			DeliveryID: existing.ID,
			Result:     ResultInFlight,
			State:      existing.State,
			Message:    "delivery already in progress",
		}, nil
	}

	maxAttempts := ev.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.retry.Policy().MaxAttempts
	}
	st, err := e.statuses.Create(ctx, id.JobID, delivery.Status{
		TargetID:     id.TargetID,
		TargetURL:    ev.TargetURL,
		ExtraHeaders: ev.ExtraHeaders,
		MaxAttempts:  maxAttempts,
		Payload:      ev.Payload,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	tracing.AnnotateDelivery(ctx, st.ID, 0)
	log.WithDelivery(st.ID).WithField("target_url", ev.TargetURL).Info("delivery created")

	return e.attempt(ctx, id.JobID, &id)
}

// reschedule puts a stalled delivery back on the retry schedule. With the
// lease held, a pending or failed status means an earlier run stopped
// before the scheduler or the archive recorded its outcome.
func (e *Engine) reschedule(ctx context.Context, st *delivery.Status) (*Report, error) {
	next, err := e.retry.ScheduleNow(ctx, st.JobID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	e.logger.WithContext(ctx).WithJob(st.JobID).WithDelivery(st.ID).WithField("state", st.State).Warn("stalled delivery rescheduled")
	return &Report{
		JobID:      st.JobID,
		DeliveryID: st.ID,
		Result:     ResultScheduled,
		State:      st.State,
		NextRetry:  &next,
		Message:    "stalled delivery rescheduled",
	}, nil
}

// Resume runs the next attempt for an existing delivery, as fired by a
// sweep or a retry message.
func (e *Engine) Resume(ctx context.Context, jobID string) (*Report, error) {
	ctx, span := tracing.StartJobSpan(ctx, "engine.resume", jobID)
	defer span.End()

	release, err := e.acquire(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := e.statuses.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st.State.Terminal() {
		return &Report{JobID: jobID, DeliveryID: st.ID, Result: ResultSkipped, State: st.State, Message: "delivery is " + string(st.State)}, nil
	}

	var id *dedupe.Identity
	if parsed, err := dedupe.ParseIdentity(st.Payload); err == nil {
		id = &parsed
	}
	return e.attempt(ctx, jobID, id)
}

// attempt executes once and routes the outcome. The caller holds the lease.
func (e *Engine) attempt(ctx context.Context, jobID string, id *dedupe.Identity) (*Report, error) {
	out, err := e.exec.Execute(ctx, jobID)
	if errors.Is(err, delivery.ErrInvalidPayload) {
		return e.deadLetter(ctx, jobID, deadletter.ReasonInvalidPayload, nil)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	rep := &Report{
		JobID:      jobID,
		DeliveryID: out.Status.ID,
		Attempt:    out.Attempt,
		State:      out.Status.State,
		Error:      out.Err,
	}
	if out.Success {
		if id != nil {
			// advisory: delivery already happened
			if err := e.ledger.MarkProcessed(ctx, *id); err != nil {
				e.advisoryFailed(ctx, jobID, "dedupe.mark", err)
			}
		}
		metrics.RecordDelivery(string(ResultDelivered))
		rep.Result = ResultDelivered
		return rep, nil
	}

	if !out.Err.Retryable {
		return e.deadLetter(ctx, jobID, deadletter.ReasonPermanentFailure, out)
	}

	d, err := e.retry.ScheduleOrArchive(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch d.Result {
	case retry.ResultScheduled:
		metrics.RecordDelivery(string(ResultScheduled))
		next := d.NextRetry
		rep.Result = ResultScheduled
		rep.State = delivery.StateRetrying
		rep.NextRetry = &next
		rep.Message = d.Message
	case retry.ResultMaxAttempts:
		rep.Result = ResultDeadLettered
		rep.State = delivery.StateDeadLetter
		rep.Entry = d.Entry
		rep.Message = d.Message
	default:
		// the status moved under us; report what the scheduler saw
		rep.Result = ResultSkipped
		rep.Message = d.Message
	}
	return rep, nil
}

func (e *Engine) deadLetter(ctx context.Context, jobID string, reason deadletter.Reason, out *delivery.Outcome) (*Report, error) {
	entry, err := e.archive.Archive(ctx, jobID, reason)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	rep := &Report{
		JobID:      jobID,
		DeliveryID: entry.DeliveryID,
		Result:     ResultDeadLettered,
		State:      delivery.StateDeadLetter,
		Entry:      entry,
		Message:    string(reason),
	}
	if out != nil {
		rep.Attempt = out.Attempt
		rep.Error = out.Err
	}
	return rep, nil
}

// ArchiveManual moves a delivery to the archive with reason manual and
// drops any pending retry for it.
func (e *Engine) ArchiveManual(ctx context.Context, jobID string) (*deadletter.Entry, error) {
	release, err := e.acquire(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := e.archive.Archive(ctx, jobID, deadletter.ReasonManual)
	if err != nil {
		return nil, err
	}
	// advisory: a leftover schedule entry is skipped on resume
	if _, err := e.retry.Claim(ctx, jobID); err != nil {
		e.advisoryFailed(ctx, jobID, "schedule.cancel", err)
	}
	return entry, nil
}

// Inspection is a delivery with its attempt history.
type Inspection struct {
	Status   *delivery.Status         `json:"status"`
	Attempts []delivery.AttemptRecord `json:"attempts"`
}

func (e *Engine) Inspect(ctx context.Context, jobID string) (*Inspection, error) {
	st, err := e.statuses.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	recs, err := e.attempts.List(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []delivery.AttemptRecord{}
	}
	return &Inspection{Status: st, Attempts: recs}, nil
}

// Backlog reports the retry schedule size and the dead-letter queue size.
func (e *Engine) Backlog(ctx context.Context) (retries, dead int64, err error) {
	if retries, err = e.retry.Backlog(ctx); err != nil {
		return 0, 0, err
	}
	if dead, err = e.archive.Size(ctx); err != nil {
		return 0, 0, err
	}
	return retries, dead, nil
}

func (e *Engine) advisoryFailed(ctx context.Context, jobID, op string, err error) {
	metrics.RecordAdvisoryFailure(op)
	e.logger.WithContext(ctx).WithJob(jobID).Advisory(op).WithError(err).Warn("advisory operation failed")
}
