// Package deadletter is the archive of permanently failed deliveries.
package deadletter

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/austindbirch/jobhook/internal/delivery"
)

type Reason string

const (
	ReasonMaxAttemptsExceeded Reason = "max_attempts_exceeded"
	ReasonPermanentFailure    Reason = "permanent_failure"
	ReasonInvalidPayload      Reason = "invalid_payload"
	ReasonManual              Reason = "manual"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonMaxAttemptsExceeded, ReasonPermanentFailure, ReasonInvalidPayload, ReasonManual:
		return true
	}
	return false
}

// Entry is immutable once written.
type Entry struct {
	ID           string              `json:"id"`
	JobID        string              `json:"jobId"`
	DeliveryID   string              `json:"deliveryId"`
	TargetID     string              `json:"targetId"`
	TargetURL    string              `json:"targetUrl"`
	ExtraHeaders map[string]string   `json:"extraHeaders,omitempty"`
	Reason       Reason              `json:"reason"`
	CreatedAt    time.Time           `json:"createdAt"`
	Payload      json.RawMessage     `json:"payload"`
	FinalError   *delivery.ErrorInfo `json:"finalError,omitempty"`
	LastResponse *delivery.Response  `json:"lastResponse,omitempty"`
	Attempts     int                 `json:"attempts"`
	MaxAttempts  int                 `json:"maxAttempts"`
	Severity     string              `json:"severity"`
	Category     string              `json:"category"`
}

func entryID(jobID string, at time.Time) string {
	return jobID + "_" + strconv.FormatInt(at.UnixMilli(), 10)
}

// severity is informational; it never changes what happens to the entry.
func severity(r Reason) string {
	switch r {
	case ReasonInvalidPayload:
		return "critical"
	case ReasonPermanentFailure:
		return "high"
	case ReasonMaxAttemptsExceeded:
		return "medium"
	default:
		return "low"
	}
}

// stored keeps the payload bytes verbatim, as delivery records do.
type stored struct {
	Entry
	Payload string `json:"payload"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(stored{Entry: *e, Payload: string(e.Payload)})
}

func decodeEntry(b []byte) (*Entry, error) {
	var s stored
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	e := s.Entry
	e.Payload = json.RawMessage(s.Payload)
	return &e, nil
}
