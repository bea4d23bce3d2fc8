package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/tracing"
)

// Publisher is the part of *nsq.Producer the producer needs.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type Topics struct {
	Completions string
	Retries     string
	DLQ         string
}

func DefaultTopics() Topics {
	return Topics{
		Completions: DefaultCompletionsTopic,
		Retries:     DefaultRetriesTopic,
		DLQ:         DefaultDLQTopic,
	}
}

// Producer publishes completions, retry triggers and dead-letter
// notifications, carrying the caller's trace context in each body.
type Producer struct {
	pub    Publisher
	topics Topics

	Now func() time.Time
}

func NewProducer(pub Publisher, topics Topics) *Producer {
	return &Producer{
		pub:    pub,
		topics: topics,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewNSQProducer connects a producer to nsqd.
func NewNSQProducer(nsqdAddr string, topics Topics) (*Producer, *nsq.Producer, error) {
	p, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("nsq producer: %w", err)
	}
	return NewProducer(p, topics), p, nil
}

func (p *Producer) publish(topic string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	if err := p.pub.Publish(topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishCompletion enqueues a job completion for asynchronous delivery.
func (p *Producer) PublishCompletion(ctx context.Context, c JobCompletion) error {
	c.PublishedAt = p.Now().Format(time.RFC3339)
	c.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	return p.publish(p.topics.Completions, c)
}

// DispatchRetry publishes a claimed retry for a worker to resume. It has
// the shape of engine.Dispatch.
func (p *Producer) DispatchRetry(ctx context.Context, jobID string) error {
	return p.publish(p.topics.Retries, RetryTask{
		JobID:        jobID,
		PublishedAt:  p.Now().Format(time.RFC3339),
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	})
}

// NotifyDeadLetter implements deadletter.Notifier.
func (p *Producer) NotifyDeadLetter(ctx context.Context, e *deadletter.Entry) error {
	if err := p.publish(p.topics.DLQ, NewDeadLetter(e, p.Now())); err != nil {
		return err
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}

var _ deadletter.Notifier = (*Producer)(nil)
