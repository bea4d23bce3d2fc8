package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/jobhook/internal/failure"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/tracing"
)

const (
	DefaultTimeout = 15 * time.Second
	// maxResponseBody caps how much of the target's reply is kept in snapshots.
	maxResponseBody = 64 << 10
)

var (
	ErrTerminalState  = errors.New("delivery is in a terminal state")
	ErrInvalidPayload = errors.New("delivery payload is not valid JSON")
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Outcome describes one executed attempt.
type Outcome struct {
	Status   *Status
	Attempt  int
	Success  bool
	Duration time.Duration
	// Err is the classified failure; nil on success.
	Err *failure.Error
}

// Executor performs a single delivery attempt and records its result.
type Executor struct {
	statuses *StatusStore
	attempts *AttemptLog
	client   HTTPDoer
	timeout  time.Duration
	signer   *Signer
	logger   *logging.Logger
	now      func() time.Time
}

type ExecutorOption func(*Executor)

func WithHTTPClient(c HTTPDoer) ExecutorOption { return func(e *Executor) { e.client = c } }

func WithSigner(s *Signer) ExecutorOption { return func(e *Executor) { e.signer = s } }

func WithLogger(l *logging.Logger) ExecutorOption { return func(e *Executor) { e.logger = l } }

func WithClock(now func() time.Time) ExecutorOption { return func(e *Executor) { e.now = now } }

func NewExecutor(statuses *StatusStore, attempts *AttemptLog, timeout time.Duration, opts ...ExecutorOption) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := &Executor{
		statuses: statuses,
		attempts: attempts,
		client:   &http.Client{},
		timeout:  timeout,
		logger:   logging.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Timeout is the bound applied to each HTTP attempt.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// Execute runs attempt attempts+1 for jobID. The returned error covers
// store failures and caller errors only; a failed delivery is reported
// through Outcome.Err.
func (e *Executor) Execute(ctx context.Context, jobID string) (*Outcome, error) {
	ctx, span := tracing.StartJobSpan(ctx, "delivery.execute", jobID)
	defer span.End()

	st, err := e.statuses.Get(ctx, jobID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if st.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, jobID, st.State)
	}
	if !json.Valid(st.Payload) {
		return nil, fmt.Errorf("%w: job %s", ErrInvalidPayload, jobID)
	}

	attempt := st.Attempts + 1
	tracing.AnnotateDelivery(ctx, st.ID, attempt)
	span.SetAttributes(tracing.AttrTargetURL.String(st.TargetURL))
	log := e.logger.WithContext(ctx).WithJob(jobID).WithDelivery(st.ID).WithTarget(st.TargetID)

	started := e.now()
	resp, sendErr := e.send(ctx, st)
	duration := e.now().Sub(started)

	var attemptErr error
	if sendErr != nil {
		attemptErr = failure.FromTransport(sendErr)
	} else {
		attemptErr = failure.FromStatus(resp.Status)
	}
	classified := failure.Classify(attemptErr)

	rec := AttemptRecord{
		DeliveryID: st.ID,
		JobID:      jobID,
		Attempt:    attempt,
		At:         started,
		DelayMs:    st.RetryDelayMs,
		Success:    classified == nil,
		DurationMs: duration.Milliseconds(),
		Response:   resp,
		Error:      classified,
	}
	if err := e.attempts.Append(ctx, rec); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	now := e.now()
	patch := Patch{
		Attempts:     Ptr(attempt),
		LastResponse: resp,
		Timestamps:   &TimestampsPatch{ClearNextRetry: true},
	}
	if classified == nil {
		patch.State = Ptr(StateDelivered)
		patch.Timestamps.Delivered = &now
		patch.ClearLastError = true
	} else {
		patch.State = Ptr(StateFailed)
		patch.LastError = &ErrorInfo{Message: classified.Message, Kind: string(classified.Kind), Code: classified.Code}
	}
	updated, err := e.statuses.Update(ctx, jobID, patch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	out := &Outcome{Status: updated, Attempt: attempt, Success: classified == nil, Duration: duration, Err: classified}
	if out.Success {
		metrics.RecordAttempt("success", duration)
		tracing.AddSpanEvent(ctx, "delivery.success")
		log.WithFields(map[string]any{"attempt": attempt, "latency_ms": duration.Milliseconds()}).Info("delivery succeeded")
		return out, nil
	}

	metrics.RecordAttempt(string(classified.Kind), duration)
	span.SetAttributes(
		attribute.String("failure.kind", string(classified.Kind)),
		attribute.Bool("failure.retryable", classified.Retryable),
	)
	tracing.AddSpanEvent(ctx, "delivery.failed")
	log.WithFields(map[string]any{
		"attempt":   attempt,
		"kind":      classified.Kind,
		"code":      classified.Code,
		"retryable": classified.Retryable,
		"severity":  classified.Severity,
	}).Warn("delivery attempt failed")
	return out, nil
}

// send performs the POST. A nil error always comes with a response snapshot.
func (e *Executor) send(ctx context.Context, st *Status) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body := []byte(st.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.TargetURL, bytes.NewReader(body))
	if err != nil {
		return nil, &failure.NetworkError{Err: err, Known: true}
	}
	for k, v := range st.ExtraHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}
	if e.signer != nil {
		e.signer.Sign(req, body)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	snippet, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode))),
		Body:       string(snippet),
	}, nil
}
