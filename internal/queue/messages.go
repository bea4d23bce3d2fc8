package queue

import (
	"encoding/json"
	"time"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/engine"
)

const (
	DefaultCompletionsTopic = "job_completions"
	DefaultRetriesTopic     = "delivery_retries"
	DefaultDLQTopic         = "deliveries_dlq"
	DefaultChannel          = "jobhook"

	DLQType = "delivery.dlq"
)

// JobCompletion is the body of a job_completions message.
type JobCompletion struct {
	TargetURL    string            `json:"target_url"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
	MaxAttempts  int               `json:"max_attempts,omitempty"`
	Payload      json.RawMessage   `json:"payload"`
	PublishedAt  string            `json:"published_at"`            // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

func (c JobCompletion) Event() engine.Event {
	return engine.Event{
		TargetURL:    c.TargetURL,
		ExtraHeaders: c.ExtraHeaders,
		MaxAttempts:  c.MaxAttempts,
		Payload:      c.Payload,
	}
}

// RetryTask is the body of a delivery_retries message.
type RetryTask struct {
	JobID        string            `json:"job_id"`
	PublishedAt  string            `json:"published_at"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// DeadLetter is the notification published when a delivery is archived.
type DeadLetter struct {
	Type    string           `json:"type"`    // "delivery.dlq"
	Version string           `json:"version"` // schema version
	At      string           `json:"at"`      // RFC3339 time the notification was emitted
	Reason  string           `json:"reason"`
	Attempt int              `json:"attempt"`
	Status  int              `json:"http_status,omitempty"`
	Error   string           `json:"last_error,omitempty"`
	Entry   deadletter.Entry `json:"entry"` // full archive snapshot
}

func NewDeadLetter(e *deadletter.Entry, at time.Time) DeadLetter {
	dl := DeadLetter{
		Type:    DLQType,
		Version: "v1",
		At:      at.Format(time.RFC3339Nano),
		Reason:  string(e.Reason),
		Attempt: e.Attempts,
		Entry:   *e,
	}
	if e.LastResponse != nil {
		dl.Status = e.LastResponse.Status
	}
	if e.FinalError != nil {
		dl.Error = e.FinalError.Message
	}
	return dl
}
