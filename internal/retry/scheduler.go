package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/kv"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/tracing"
)

// ScheduleKey is the sorted set of job ids waiting for a retry, scored by
// due time in unix milliseconds.
const ScheduleKey = "schedule:retry"

type Result string

const (
	ResultNoStatus     Result = "no_status"
	ResultNotRetryable Result = "not_retryable_state"
	ResultMaxAttempts  Result = "max_attempts_exceeded"
	ResultScheduled    Result = "scheduled"
)

// Decision is what ScheduleOrArchive did.
type Decision struct {
	Result    Result
	Message   string
	Delay     time.Duration
	NextRetry time.Time
	Entry     *deadletter.Entry
}

type Archiver interface {
	Archive(ctx context.Context, jobID string, reason deadletter.Reason) (*deadletter.Entry, error)
}

type Scheduler struct {
	kv       kv.Store
	statuses *delivery.StatusStore
	archive  Archiver
	policy   Policy
	logger   *logging.Logger

	Now  func() time.Time
	Rand func() float64
}

func NewScheduler(store kv.Store, statuses *delivery.StatusStore, archive Archiver, policy Policy, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		kv:       store,
		statuses: statuses,
		archive:  archive,
		policy:   policy.normalized(),
		logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Policy() Policy { return s.policy }

func (s *Scheduler) ScheduleOrArchive(ctx context.Context, jobID string) (*Decision, error) {
	return s.ScheduleOrArchiveWith(ctx, jobID, s.policy)
}

// ScheduleOrArchiveWith is ScheduleOrArchive with a per-call policy. The
// attempt limit comes from the status record; p.MaxAttempts only applies
// when the record has none.
func (s *Scheduler) ScheduleOrArchiveWith(ctx context.Context, jobID string, p Policy) (*Decision, error) {
	p = p.normalized()
	ctx, span := tracing.StartJobSpan(ctx, "retry.schedule", jobID)
	defer span.End()

	st, err := s.statuses.Get(ctx, jobID)
	if errors.Is(err, delivery.ErrStatusNotFound) {
		return &Decision{Result: ResultNoStatus, Message: "no status found"}, nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if st.State != delivery.StateFailed && st.State != delivery.StateRetrying {
		return &Decision{Result: ResultNotRetryable, Message: "not in retryable state: " + string(st.State)}, nil
	}

	limit := st.MaxAttempts
	if limit <= 0 {
		limit = p.MaxAttempts
	}
	log := s.logger.WithContext(ctx).WithJob(jobID).WithDelivery(st.ID)
	if st.Attempts >= limit {
		entry, err := s.archive.Archive(ctx, jobID, deadletter.ReasonMaxAttemptsExceeded)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, fmt.Errorf("archive after %d attempts: %w", st.Attempts, err)
		}
		log.WithField("attempts", st.Attempts).Warn("max attempts exceeded, archived")
		return &Decision{Result: ResultMaxAttempts, Message: "max attempts exceeded", Entry: entry}, nil
	}

	delay := p.Jittered(p.Delay(st.Attempts), s.Rand)
	next := s.Now().Add(delay)

	// schedule before the status write so a retrying delivery always has an entry
	if err := s.ScheduleAt(ctx, jobID, next); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if _, err := s.statuses.Update(ctx, jobID, delivery.Patch{
		State:      delivery.Ptr(delivery.StateRetrying),
		Timestamps: &delivery.TimestampsPatch{NextRetry: &next},
		RetryDelay: &delay,
	}); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	kind := "unknown"
	if st.LastError != nil {
		kind = st.LastError.Kind
	}
	metrics.RecordRetryScheduled(kind)
	tracing.AddSpanEvent(ctx, "retry.scheduled", attribute.Int64("delay_ms", delay.Milliseconds()))
	log.WithFields(map[string]any{
		"attempts":   st.Attempts,
		"delay":      delay.String(),
		"next_retry": next.Format(time.RFC3339Nano),
	}).Info("retry scheduled")

	return &Decision{
		Result:    ResultScheduled,
		Message:   "retry scheduled in " + delay.Round(time.Millisecond).String(),
		Delay:     delay,
		NextRetry: next,
	}, nil
}

// ScheduleNow puts jobID on the schedule as due immediately.
func (s *Scheduler) ScheduleNow(ctx context.Context, jobID string) (time.Time, error) {
	now := s.Now()
	if err := s.ScheduleAt(ctx, jobID, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// ScheduleAt puts jobID on the schedule, replacing any earlier due time.
// The status record is not touched.
func (s *Scheduler) ScheduleAt(ctx context.Context, jobID string, at time.Time) error {
	if err := s.kv.ZAdd(ctx, ScheduleKey, float64(at.UnixMilli()), jobID); err != nil {
		return fmt.Errorf("schedule retry %s: %w", jobID, err)
	}
	return nil
}

// Due lists up to limit job ids whose retry time is at or before now.
func (s *Scheduler) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.kv.ZRangeByScore(ctx, ScheduleKey, float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, fmt.Errorf("read due retries: %w", err)
	}
	return ids, nil
}

// Claim removes jobID from the schedule and reports whether this caller
// won it. Only the winner may resume the delivery.
func (s *Scheduler) Claim(ctx context.Context, jobID string) (bool, error) {
	ok, err := s.kv.ZRem(ctx, ScheduleKey, jobID)
	if err != nil {
		return false, fmt.Errorf("claim retry %s: %w", jobID, err)
	}
	return ok, nil
}

// Backlog is the number of scheduled retries.
func (s *Scheduler) Backlog(ctx context.Context) (int64, error) {
	return s.kv.ZCard(ctx, ScheduleKey)
}
