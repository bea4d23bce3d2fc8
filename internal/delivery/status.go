// Package delivery owns the per-job delivery record, its append-only attempt
// log, and the executor that performs a single HTTP attempt.
package delivery

import (
	"encoding/json"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
	StateRetrying   State = "retrying"
	StateDeadLetter State = "dead_letter"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDeadLetter
}

type Timestamps struct {
	Created     time.Time  `json:"created"`
	LastAttempt time.Time  `json:"lastAttempt"`
	NextRetry   *time.Time `json:"nextRetry,omitempty"`
	Delivered   *time.Time `json:"delivered,omitempty"`
	Failed      *time.Time `json:"failed,omitempty"`
}

// Response is a snapshot of the target's reply to one attempt.
type Response struct {
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Body       string `json:"body,omitempty"`
}

type ErrorInfo struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
}

// Status is the source of truth for one job's delivery.
type Status struct {
	ID           string            `json:"id"`
	JobID        string            `json:"jobId"`
	TargetID     string            `json:"targetId"`
	State        State             `json:"state"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	Timestamps   Timestamps        `json:"timestamps"`
	Payload      json.RawMessage   `json:"payload"`
	LastResponse *Response         `json:"lastResponse,omitempty"`
	LastError    *ErrorInfo        `json:"lastError,omitempty"`
	TargetURL    string            `json:"targetUrl"`
	ExtraHeaders map[string]string `json:"extraHeaders,omitempty"`
	// RetryDelayMs is the backoff the scheduler chose before the next attempt.
	RetryDelayMs int64 `json:"retryDelayMs,omitempty"`
}

// TimestampsPatch merges into Timestamps field by field. Nil fields are left alone.
type TimestampsPatch struct {
	Created        *time.Time
	NextRetry      *time.Time
	Delivered      *time.Time
	Failed         *time.Time
	ClearNextRetry bool
}

// Patch is a partial update. Non-nil top-level fields replace the stored value.
type Patch struct {
	TargetID       *string
	State          *State
	Attempts       *int
	MaxAttempts    *int
	Timestamps     *TimestampsPatch
	Payload        json.RawMessage
	LastResponse   *Response
	LastError      *ErrorInfo
	ClearLastError bool
	TargetURL      *string
	ExtraHeaders   map[string]string
	RetryDelay     *time.Duration
}

func (s *Status) apply(p Patch, now time.Time) {
	if p.TargetID != nil {
		s.TargetID = *p.TargetID
	}
	if p.State != nil {
		s.State = *p.State
	}
	if p.Attempts != nil {
		s.Attempts = *p.Attempts
	}
	if p.MaxAttempts != nil {
		s.MaxAttempts = *p.MaxAttempts
	}
	if p.Payload != nil {
		s.Payload = append(json.RawMessage(nil), p.Payload...)
	}
	if p.LastResponse != nil {
		s.LastResponse = p.LastResponse
	}
	if p.ClearLastError {
		s.LastError = nil
	}
	if p.LastError != nil {
		s.LastError = p.LastError
	}
	if p.TargetURL != nil {
		s.TargetURL = *p.TargetURL
	}
	if p.ExtraHeaders != nil {
		s.ExtraHeaders = p.ExtraHeaders
	}
	if p.RetryDelay != nil {
		s.RetryDelayMs = p.RetryDelay.Milliseconds()
	}
	if tp := p.Timestamps; tp != nil {
		if tp.Created != nil {
			s.Timestamps.Created = *tp.Created
		}
		if tp.ClearNextRetry {
			s.Timestamps.NextRetry = nil
		}
		if tp.NextRetry != nil {
			s.Timestamps.NextRetry = tp.NextRetry
		}
		if tp.Delivered != nil {
			s.Timestamps.Delivered = tp.Delivered
		}
		if tp.Failed != nil {
			s.Timestamps.Failed = tp.Failed
		}
		s.Timestamps.LastAttempt = now
	}
}

// record is the stored form. The payload is kept as a string so the exact
// bytes survive; encoding a RawMessage would compact and re-escape it.
type record struct {
	Status
	Payload string `json:"payload"`
}

func encode(s *Status) ([]byte, error) {
	return json.Marshal(record{Status: *s, Payload: string(s.Payload)})
}

func decode(b []byte) (*Status, error) {
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	s := r.Status
	if r.Payload != "" {
		s.Payload = json.RawMessage(r.Payload)
	}
	return &s, nil
}

// Ptr returns a pointer to v, for building Patch values.
func Ptr[T any](v T) *T { return &v }
