package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/db"
	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/engine"
	"github.com/austindbirch/jobhook/internal/health"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/queue"
	"github.com/austindbirch/jobhook/internal/tracing"
)

// backlogSource reports the retry schedule and dead-letter sizes.
type backlogSource interface {
	Backlog(ctx context.Context) (retries, dead int64, err error)
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New("jobhook-worker")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "jobhook-worker", cfg.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	store, err := db.OpenStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).WithField("backend", cfg.Store.Backend).Fatal("store open failed")
	}
	defer store.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	httpSrv := &http.Server{Addr: cfg.Worker.HTTPPort, Handler: newMux(store, cfg.Store.Backend, reg)}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	var (
		producer  *queue.Producer
		nsqProd   *nsq.Producer
		consumers []*nsq.Consumer
		notifier  deadletter.Notifier
		dispatch  engine.Dispatch
	)
	topics := queue.Topics{
		Completions: cfg.NSQ.CompletionsTopic,
		Retries:     cfg.NSQ.RetriesTopic,
		DLQ:         cfg.NSQ.DLQTopic,
	}
	if cfg.NSQ.Enabled || cfg.Worker.PublishDLQ {
		producer, nsqProd, err = queue.NewNSQProducer(cfg.NSQ.NsqdTCPAddr, topics)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer nsqProd.Stop()
		if cfg.Worker.PublishDLQ {
			notifier = producer
		}
	}

	c := engine.Wire(cfg, store, logger, notifier)

	if cfg.NSQ.Enabled {
		dispatch = producer.DispatchRetry
		h := queue.NewHandler(c.Engine, logger)
		for _, sub := range []struct {
			topic   string
			handler nsq.Handler
		}{
			{cfg.NSQ.CompletionsTopic, h.Completions()},
			{cfg.NSQ.RetriesTopic, h.Retries()},
		} {
			consumer, err := queue.NewConsumer(sub.topic, cfg.NSQ.Channel, cfg.NSQ.MaxInFlight, sub.handler)
			if err != nil {
				logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
			}
			if err := queue.Connect(consumer, cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
				logger.Plain().WithError(err).WithField("topic", sub.topic).Fatal("nsq connect failed")
			}
			consumers = append(consumers, consumer)
		}
	}

	go c.Engine.RunSweeper(ctx, cfg.Worker.SweepInterval, cfg.Worker.SweepBatch, dispatch)
	mon := &monitor{
		src:    c.Engine,
		topics: topics,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
	if cfg.NSQ.Enabled {
		mon.nsqdHTTP = cfg.NSQ.NsqdHTTPAddr
	}
	go mon.run(ctx, cfg.Worker.BacklogInterval)

	logger.Plain().WithFields(map[string]any{
		"backend":     cfg.Store.Backend,
		"nsq":         cfg.NSQ.Enabled,
		"publish_dlq": cfg.Worker.PublishDLQ,
		"max_retries": c.Retry.Policy().MaxAttempts,
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down worker service")
	for _, consumer := range consumers {
		consumer.Stop()
		<-consumer.StopChan
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

func newMux(store health.Pinger, backend string, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HTTPHandler(store, backend))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// monitor refreshes the backlog gauges and, when nsqdHTTP is set, the
// NSQ channel gauges for the engine's topics.
type monitor struct {
	src      backlogSource
	nsqdHTTP string
	topics   queue.Topics
	client   *http.Client
	logger   *logging.Logger
}

// updateBacklog refreshes the backlog gauges once.
func updateBacklog(ctx context.Context, src backlogSource) error {
	retries, dead, err := src.Backlog(ctx)
	if err != nil {
		return err
	}
	metrics.UpdateRetryBacklog(float64(retries))
	metrics.UpdateDLQBacklog(float64(dead))
	return nil
}

func (m *monitor) tick(ctx context.Context) {
	if err := updateBacklog(ctx, m.src); err != nil && ctx.Err() == nil {
		m.logger.WithContext(ctx).WithError(err).Error("failed to read backlog")
	}
	if m.nsqdHTTP == "" {
		return
	}
	stats, err := queue.FetchStats(ctx, m.client, m.nsqdHTTP)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.WithContext(ctx).WithError(err).Warn("failed to read NSQ stats")
		}
		return
	}
	stats.Record(m.topics)
}

// run ticks every interval until ctx is done.
func (m *monitor) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
