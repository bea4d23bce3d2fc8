package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/jobhook/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	JobID      string         `json:"job_id,omitempty"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	TargetID   string         `json:"target_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	out *output
}

type output struct {
	mu sync.Mutex
	w  io.Writer
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	out     *output
}

// New creates a new structured logger for the given service, writing to stdout
func New(service string) *Logger {
	return &Logger{
		service: service,
		out:     &output{w: os.Stdout},
	}
}

// SetOutput redirects the logger, mainly for tests
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w = w
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		out:     l.out,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry(make(map[string]any))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.TraceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(make(map[string]any))
}

// WithJob sets the job ID for the log entry
func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

// WithDelivery sets the delivery ID for the log entry
func (e *LogEntry) WithDelivery(deliveryID string) *LogEntry {
	e.DeliveryID = deliveryID
	return e
}

// WithTarget sets the upstream target ID for the log entry
func (e *LogEntry) WithTarget(targetID string) *LogEntry {
	e.TargetID = targetID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

// Advisory marks the entry as coming from a best-effort operation whose
// failure the caller ignored.
func (e *LogEntry) Advisory(op string) *LogEntry {
	return e.WithFields(map[string]any{"advisory": true, "op": op})
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.log(LevelDebug, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) { e.log(LevelInfo, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) { e.log(LevelWarn, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) { e.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as one JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	out := e.out
	if out == nil {
		out = defaultLogger.out
	}

	data, err := json.Marshal(e)
	out.mu.Lock()
	defer out.mu.Unlock()
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(out.w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(out.w, string(data))
}

var defaultLogger = New("jobhook")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// Default returns the package-level logger
func Default() *Logger {
	return defaultLogger
}
