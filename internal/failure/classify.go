// Package failure classifies the outcome of one delivery attempt.
//
// Transport failures are first normalised into a closed set of typed errors
// (NetworkError, TimeoutError, HTTPError) and Classify maps those to a
// kind/retryable/severity triple. Classify is pure and does no I/O.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
)

type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindServer  Kind = "server"
	KindClient  Kind = "client"
)

// Severity is informational only; retry decisions never look at it.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// NetworkError is a failure below HTTP: refused connection, DNS, reset.
type NetworkError struct {
	Err error
	// Known is false when the cause could not be identified as network-layer.
	Known bool
}

func (e *NetworkError) Error() string { return "network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is an attempt that hit its deadline or was aborted.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return "timeout: " + e.Err.Error() }
func (e *TimeoutError) Unwrap() error { return e.Err }

// HTTPError is a completed exchange with a non-2xx status.
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return "http " + e.Status
	}
	return "http " + strconv.Itoa(e.StatusCode)
}

// Error is the classified result handed to the retry logic.
type Error struct {
	Kind      Kind     `json:"kind"`
	Message   string   `json:"message"`
	Code      string   `json:"code,omitempty"`
	Retryable bool     `json:"retryable"`
	Severity  Severity `json:"severity"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// FromTransport normalises an error returned by an HTTP client into
// TimeoutError or NetworkError. Errors that are already typed pass through.
func FromTransport(err error) error {
	if err == nil {
		return nil
	}
	var te *TimeoutError
	var ne *NetworkError
	var he *HTTPError
	if errors.As(err, &te) || errors.As(err, &ne) || errors.As(err, &he) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Err: err}
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var addrErr *net.AddrError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &addrErr) {
		return &NetworkError{Err: err, Known: true}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Transport-level failure without a more specific cause.
		return &NetworkError{Err: err, Known: true}
	}
	return &NetworkError{Err: err, Known: false}
}

// FromStatus returns an HTTPError for non-2xx codes and nil otherwise.
func FromStatus(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &HTTPError{StatusCode: code, Status: fmt.Sprintf("%d %s", code, http.StatusText(code))}
}

// Classify maps a typed attempt failure to its retry classification.
// Untyped errors are normalised with FromTransport first.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return classifyStatus(he)
	}
	err = FromTransport(err)

	var te *TimeoutError
	if errors.As(err, &te) {
		return &Error{Kind: KindTimeout, Message: te.Err.Error(), Retryable: true, Severity: SeverityMedium}
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		sev := SeverityMedium
		if !ne.Known {
			// unknown errors are still retried, but flagged louder
			sev = SeverityHigh
		}
		return &Error{Kind: KindNetwork, Message: ne.Err.Error(), Retryable: true, Severity: sev}
	}
	return &Error{Kind: KindNetwork, Message: err.Error(), Retryable: true, Severity: SeverityHigh}
}

func classifyStatus(he *HTTPError) *Error {
	code := strconv.Itoa(he.StatusCode)
	msg := he.Error()
	switch {
	case he.StatusCode >= 500 && he.StatusCode < 600:
		return &Error{Kind: KindServer, Message: msg, Code: code, Retryable: true, Severity: SeverityMedium}
	case he.StatusCode == http.StatusRequestTimeout:
		return &Error{Kind: KindTimeout, Message: msg, Code: code, Retryable: true, Severity: SeverityMedium}
	case he.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: KindClient, Message: msg, Code: code, Retryable: true, Severity: SeverityMedium}
	case he.StatusCode >= 400 && he.StatusCode < 500:
		return &Error{Kind: KindClient, Message: msg, Code: code, Retryable: false, Severity: SeverityHigh}
	default:
		// 1xx/3xx the client did not follow: not a success, worth another try
		return &Error{Kind: KindServer, Message: msg, Code: code, Retryable: true, Severity: SeverityLow}
	}
}
