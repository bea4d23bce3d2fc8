package engine

import (
	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/dedupe"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/kv"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/retry"
)

// Components is a fully wired engine plus the parts services use directly.
type Components struct {
	Engine   *Engine
	Archive  *deadletter.Archive
	Retry    *retry.Scheduler
	Statuses *delivery.StatusStore
}

// Wire builds every component on store from cfg. notifier may be nil.
// Dead-letter retries go to cfg.API.RetryBaseURL when set and to the
// engine in-process otherwise.
func Wire(cfg config.Config, store kv.Store, logger *logging.Logger, notifier deadletter.Notifier) *Components {
	statuses := delivery.NewStatusStore(store, cfg.Delivery.StatusTTL)
	attempts := delivery.NewAttemptLog(store, cfg.Delivery.AttemptTTL)

	archiveOpts := []deadletter.Option{
		deadletter.WithTTL(cfg.Delivery.DeadLetterTTL),
		deadletter.WithLogger(logger),
	}
	if notifier != nil {
		archiveOpts = append(archiveOpts, deadletter.WithNotifier(notifier))
	}
	archive := deadletter.New(store, statuses, archiveOpts...)

	execOpts := []delivery.ExecutorOption{delivery.WithLogger(logger)}
	if cfg.Delivery.SigningSecret != "" {
		execOpts = append(execOpts, delivery.WithSigner(delivery.NewSigner(
			cfg.Delivery.SigningSecret,
			cfg.Delivery.SignatureHeader,
			cfg.Delivery.TimestampHeader,
		)))
	}
	sched := retry.NewScheduler(store, statuses, archive, cfg.RetryPolicy(), logger)

	e := New(Deps{
		Store:    store,
		Statuses: statuses,
		Attempts: attempts,
		Ledger:   dedupe.NewLedger(store, cfg.Delivery.DedupeTTL),
		Executor: delivery.NewExecutor(statuses, attempts, cfg.Delivery.Timeout, execOpts...),
		Retry:    sched,
		Archive:  archive,
		Logger:   logger,
	})

	if cfg.API.RetryBaseURL != "" {
		archive.SetRetryClient(deadletter.NewHTTPRetryClient(cfg.API.RetryBaseURL, cfg.API.RetryToken, cfg.Delivery.Timeout))
	} else {
		archive.SetRetryClient(deadletter.RetryFunc(e.ManualRetry))
	}

	return &Components{Engine: e, Archive: archive, Retry: sched, Statuses: statuses}
}
