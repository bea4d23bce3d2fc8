package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/engine"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
)

type recordingDelegate struct {
	finished bool
	requeued bool
	delay    time.Duration
}

func (d *recordingDelegate) OnFinish(*nsq.Message) { d.finished = true }
func (d *recordingDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued = true
	d.delay = delay
}
func (d *recordingDelegate) OnTouch(*nsq.Message) {}

func newMessage(body []byte) (*nsq.Message, *recordingDelegate) {
	var id nsq.MessageID
	copy(id[:], "0123456789abcdef")
	m := nsq.NewMessage(id, body)
	d := &recordingDelegate{}
	m.Delegate = d
	m.Attempts = 1
	return m, d
}

type fakeEngine struct {
	deliverErr error
	resumeErr  error
	delivered  []engine.Event
	resumed    []string
}

func (f *fakeEngine) Deliver(_ context.Context, ev engine.Event) (*engine.Report, error) {
	f.delivered = append(f.delivered, ev)
	if f.deliverErr != nil {
		return nil, f.deliverErr
	}
	return &engine.Report{JobID: "job-1", Result: engine.ResultDelivered}, nil
}

func (f *fakeEngine) Resume(_ context.Context, jobID string) (*engine.Report, error) {
	f.resumed = append(f.resumed, jobID)
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	return &engine.Report{JobID: jobID, Result: engine.ResultScheduled}, nil
}

func quietLogger() *logging.Logger {
	l := logging.New("queue-test")
	l.SetOutput(io.Discard)
	return l
}

func TestHandler_Completions(t *testing.T) {
	valid, _ := json.Marshal(JobCompletion{
		TargetURL: "http://target/hook",
		Payload:   json.RawMessage(`{"jobId":"job-1","state":"completed"}`),
		TraceHeaders: map[string]string{
			"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		},
	})

	tests := []struct {
		name         string
		body         []byte
		err          error
		wantFinished bool
		wantRequeued bool
		wantDelay    time.Duration
		wantCalls    int
	}{
		{name: "delivered", body: valid, wantFinished: true, wantCalls: 1},
		{name: "bad body", body: []byte(`{nope`), wantFinished: true},
		{name: "invalid event", body: valid, err: fmt.Errorf("%w: no jobId", engine.ErrInvalidEvent), wantFinished: true, wantCalls: 1},
		{name: "in flight", body: valid, err: engine.ErrInFlight, wantRequeued: true, wantDelay: BusyDelay, wantCalls: 1},
		{name: "dead-lettered", body: valid, err: fmt.Errorf("%w: job-1", engine.ErrDeadLettered), wantFinished: true, wantCalls: 1},
		{name: "store failure", body: valid, err: errors.New("redis down"), wantRequeued: true, wantDelay: time.Second, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{deliverErr: tt.err}
			h := NewHandler(eng, quietLogger())
			m, d := newMessage(tt.body)

			if err := h.Completions().HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if d.finished != tt.wantFinished || d.requeued != tt.wantRequeued {
				t.Errorf("finished/requeued = %v/%v, want %v/%v", d.finished, d.requeued, tt.wantFinished, tt.wantRequeued)
			}
			if tt.wantRequeued && d.delay != tt.wantDelay {
				t.Errorf("requeue delay = %v, want %v", d.delay, tt.wantDelay)
			}
			if len(eng.delivered) != tt.wantCalls {
				t.Errorf("Deliver calls = %d, want %d", len(eng.delivered), tt.wantCalls)
			}
		})
	}
}

func TestHandler_CompletionCarriesEvent(t *testing.T) {
	body, _ := json.Marshal(JobCompletion{
		TargetURL:    "http://target/hook",
		ExtraHeaders: map[string]string{"X-Tenant": "t1"},
		MaxAttempts:  5,
		Payload:      json.RawMessage(`{"jobId":"job-1"}`),
	})
	eng := &fakeEngine{}
	m, _ := newMessage(body)
	_ = NewHandler(eng, quietLogger()).Completions().HandleMessage(m)

	if len(eng.delivered) != 1 {
		t.Fatalf("Deliver calls = %d, want 1", len(eng.delivered))
	}
	ev := eng.delivered[0]
	if ev.TargetURL != "http://target/hook" || ev.MaxAttempts != 5 || ev.ExtraHeaders["X-Tenant"] != "t1" {
		t.Errorf("event = %+v, want fields copied from message", ev)
	}
	if string(ev.Payload) != `{"jobId":"job-1"}` {
		t.Errorf("payload = %s, want original bytes", ev.Payload)
	}
}

func TestHandler_Retries(t *testing.T) {
	valid, _ := json.Marshal(RetryTask{JobID: "job-7"})

	tests := []struct {
		name         string
		body         []byte
		err          error
		wantFinished bool
		wantRequeued bool
	}{
		{name: "resumed", body: valid, wantFinished: true},
		{name: "missing job id", body: []byte(`{}`), wantFinished: true},
		{name: "missing delivery", body: valid, err: delivery.ErrStatusNotFound, wantFinished: true},
		{name: "in flight", body: valid, err: engine.ErrInFlight, wantRequeued: true},
		{name: "store failure", body: valid, err: errors.New("redis down"), wantRequeued: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{resumeErr: tt.err}
			m, d := newMessage(tt.body)
			if err := NewHandler(eng, quietLogger()).Retries().HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if d.finished != tt.wantFinished || d.requeued != tt.wantRequeued {
				t.Errorf("finished/requeued = %v/%v, want %v/%v", d.finished, d.requeued, tt.wantFinished, tt.wantRequeued)
			}
		})
	}
}

func TestRequeueDelay(t *testing.T) {
	tests := []struct {
		attempts uint16
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{30, 30 * time.Second},
		{500, time.Minute},
	}
	for _, tt := range tests {
		if got := requeueDelay(tt.attempts); got != tt.want {
			t.Errorf("requeueDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

type capturePublisher struct {
	topic string
	body  []byte
	err   error
}

func (c *capturePublisher) Publish(topic string, body []byte) error {
	c.topic = topic
	c.body = body
	return c.err
}

func TestProducer_DispatchRetry(t *testing.T) {
	pub := &capturePublisher{}
	p := NewProducer(pub, DefaultTopics())
	p.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := p.DispatchRetry(context.Background(), "job-9"); err != nil {
		t.Fatalf("DispatchRetry() error = %v", err)
	}
	if pub.topic != DefaultRetriesTopic {
		t.Errorf("topic = %q, want %q", pub.topic, DefaultRetriesTopic)
	}
	var task RetryTask
	if err := json.Unmarshal(pub.body, &task); err != nil {
		t.Fatalf("unmarshal retry task: %v", err)
	}
	if task.JobID != "job-9" || task.PublishedAt != "2026-03-01T12:00:00Z" {
		t.Errorf("task = %+v, want job-9 at 2026-03-01T12:00:00Z", task)
	}

	var dispatch engine.Dispatch = p.DispatchRetry
	pub.err = errors.New("nsqd gone")
	if err := dispatch(context.Background(), "job-9"); err == nil {
		t.Errorf("DispatchRetry() error = nil, want publish failure")
	}
}

func TestProducer_PublishCompletion(t *testing.T) {
	pub := &capturePublisher{}
	p := NewProducer(pub, Topics{Completions: "custom_completions"})
	in := JobCompletion{TargetURL: "http://t", Payload: json.RawMessage(`{"jobId":"j"}`)}

	if err := p.PublishCompletion(context.Background(), in); err != nil {
		t.Fatalf("PublishCompletion() error = %v", err)
	}
	if pub.topic != "custom_completions" {
		t.Errorf("topic = %q, want custom_completions", pub.topic)
	}
	var got JobCompletion
	_ = json.Unmarshal(pub.body, &got)
	if got.TargetURL != "http://t" || got.PublishedAt == "" {
		t.Errorf("completion = %+v, want target and published_at", got)
	}
}

func TestProducer_NotifyDeadLetter(t *testing.T) {
	pub := &capturePublisher{}
	p := NewProducer(pub, DefaultTopics())
	entry := &deadletter.Entry{
		ID:           "job-1_1700000000000",
		JobID:        "job-1",
		Reason:       deadletter.ReasonMaxAttemptsExceeded,
		Attempts:     3,
		FinalError:   &delivery.ErrorInfo{Message: "http 503 Service Unavailable", Kind: "server", Code: "503"},
		LastResponse: &delivery.Response{Status: 503},
	}

	if err := p.NotifyDeadLetter(context.Background(), entry); err != nil {
		t.Fatalf("NotifyDeadLetter() error = %v", err)
	}
	if pub.topic != DefaultDLQTopic {
		t.Errorf("topic = %q, want %q", pub.topic, DefaultDLQTopic)
	}
	var dl DeadLetter
	if err := json.Unmarshal(pub.body, &dl); err != nil {
		t.Fatalf("unmarshal dead letter: %v", err)
	}
	if dl.Type != DLQType || dl.Version != "v1" {
		t.Errorf("type/version = %s/%s, want %s/v1", dl.Type, dl.Version, DLQType)
	}
	if dl.Reason != "max_attempts_exceeded" || dl.Attempt != 3 || dl.Status != 503 || dl.Error == "" {
		t.Errorf("dead letter = %+v, want reason, attempt, status and error from entry", dl)
	}
	if dl.Entry.ID != entry.ID {
		t.Errorf("entry id = %q, want %q", dl.Entry.ID, entry.ID)
	}
}

func TestFetchStats_Record(t *testing.T) {
	nsqd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stats" || r.URL.Query().Get("format") != "json" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"topics":[
			{"topic_name":"job_completions","depth":0,"channels":[{"channel_name":"jobhook","depth":7,"in_flight_count":2}]},
			{"topic_name":"delivery_retries","channels":[{"channel_name":"jobhook","depth":1,"in_flight_count":0}]},
			{"topic_name":"unrelated","channels":[{"channel_name":"other","depth":99,"in_flight_count":9}]}
		]}`))
	}))
	defer nsqd.Close()

	addr := strings.TrimPrefix(nsqd.URL, "http://")
	stats, err := FetchStats(context.Background(), nsqd.Client(), addr)
	if err != nil {
		t.Fatalf("FetchStats() error = %v", err)
	}
	if n := stats.Record(DefaultTopics()); n != 2 {
		t.Errorf("Record() = %d channels, want 2", n)
	}
	if got := testutil.ToFloat64(metrics.QueueDepth.WithLabelValues("job_completions", "jobhook")); got != 7 {
		t.Errorf("completions depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(metrics.QueueInFlight.WithLabelValues("job_completions", "jobhook")); got != 2 {
		t.Errorf("completions in flight = %v, want 2", got)
	}
}

func TestFetchStats_Errors(t *testing.T) {
	garbled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer garbled.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	if _, err := FetchStats(context.Background(), garbled.Client(), garbled.URL); err == nil {
		t.Errorf("FetchStats() with bad JSON error = nil, want error")
	}
	if _, err := FetchStats(context.Background(), failing.Client(), failing.URL); err == nil {
		t.Errorf("FetchStats() on 500 error = nil, want error")
	}
	if _, err := FetchStats(context.Background(), http.DefaultClient, "127.0.0.1:1"); err == nil {
		t.Errorf("FetchStats() against a closed port error = nil, want error")
	}
}
