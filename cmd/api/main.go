package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/jobhook/internal/api"
	"github.com/austindbirch/jobhook/internal/auth"
	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/db"
	"github.com/austindbirch/jobhook/internal/engine"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
	"github.com/austindbirch/jobhook/internal/queue"
	"github.com/austindbirch/jobhook/internal/tracing"
)

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("jobhook-api")

	shutdown, err := tracing.InitTracing(ctx, "jobhook-api", cfg.OTLPEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	store, err := db.OpenStore(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).WithField("backend", cfg.Store.Backend).Fatal("store open failed")
	}
	defer store.Close()

	validator, err := loadValidator(cfg.API)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("JWT_PUBLIC_KEY not set, operator routes are unauthenticated")
	}

	var enqueuer api.Enqueuer
	if cfg.NSQ.Enabled {
		producer, nsqProd, err := queue.NewNSQProducer(cfg.NSQ.NsqdTCPAddr, queue.Topics{
			Completions: cfg.NSQ.CompletionsTopic,
			Retries:     cfg.NSQ.RetriesTopic,
			DLQ:         cfg.NSQ.DLQTopic,
		})
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer nsqProd.Stop()
		enqueuer = producer
	}

	// dead-letter retries from this process always run in-process
	cfg.API.RetryBaseURL = ""
	c := engine.Wire(cfg, store, logger, nil)

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	srv := api.NewServer(api.Options{
		Engine:   c.Engine,
		Archive:  c.Archive,
		Store:    store,
		Backend:  cfg.Store.Backend,
		Enqueuer: enqueuer,
		Auth:     validator,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:   logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.API.HTTPPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("api HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("api HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("api service stopped")
}

// loadValidator builds the operator token validator. JWTPublicKey holds
// either PEM text or a path to a PEM file; empty disables auth.
func loadValidator(c config.API) (*auth.JWTValidator, error) {
	key := strings.TrimSpace(c.JWTPublicKey)
	if key == "" {
		return nil, nil
	}
	if !strings.HasPrefix(key, "-----BEGIN") {
		b, err := os.ReadFile(key)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		key = string(b)
	}
	return auth.NewJWTValidator(key, c.JWTIssuer, c.JWTAudience)
}
