package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/austindbirch/jobhook/internal/failure"
	"github.com/austindbirch/jobhook/internal/kv"
)

const DefaultAttemptTTL = 30 * 24 * time.Hour

// maxListedAttempts bounds List against a corrupted or unbounded log.
const maxListedAttempts = 1000

var ErrAttemptExists = errors.New("attempt record already exists")

// AttemptRecord is the immutable audit entry for one attempt.
type AttemptRecord struct {
	DeliveryID string         `json:"deliveryId"`
	JobID      string         `json:"jobId"`
	Attempt    int            `json:"attempt"`
	At         time.Time      `json:"at"`
	DelayMs    int64          `json:"delayMs"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"durationMs"`
	Response   *Response      `json:"response,omitempty"`
	Error      *failure.Error `json:"error,omitempty"`
}

func attemptKey(deliveryID string, n int) string {
	return "retry:" + deliveryID + ":" + strconv.Itoa(n)
}

// AttemptLog appends and reads RetryAttemptRecords. Records are written
// with set-if-absent so an attempt number is never overwritten.
type AttemptLog struct {
	kv  kv.Store
	ttl time.Duration
}

func NewAttemptLog(store kv.Store, ttl time.Duration) *AttemptLog {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &AttemptLog{kv: store, ttl: ttl}
}

func (l *AttemptLog) Append(ctx context.Context, rec AttemptRecord) error {
	if rec.Attempt < 1 {
		return fmt.Errorf("attempt number %d out of range", rec.Attempt)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}
	ok, err := l.kv.SetNX(ctx, attemptKey(rec.DeliveryID, rec.Attempt), b, l.ttl)
	if err != nil {
		return fmt.Errorf("append attempt %d: %w", rec.Attempt, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s #%d", ErrAttemptExists, rec.DeliveryID, rec.Attempt)
	}
	return nil
}

// List returns the contiguous records starting at attempt 1.
func (l *AttemptLog) List(ctx context.Context, deliveryID string) ([]AttemptRecord, error) {
	var out []AttemptRecord
	for n := 1; n <= maxListedAttempts; n++ {
		b, err := l.kv.Get(ctx, attemptKey(deliveryID, n))
		if errors.Is(err, kv.ErrNotFound) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read attempt %d: %w", n, err)
		}
		var rec AttemptRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return out, fmt.Errorf("decode attempt %d: %w", n, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
