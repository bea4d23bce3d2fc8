package main

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/logging"
)

// receiver is a webhook target that fails its first N requests.
type receiver struct {
	failFirstN int
	failStatus int
	secret     []byte
	leeway     time.Duration
	delay      time.Duration
	sigHeader  string
	tsHeader   string
	logger     *logging.Logger

	count atomic.Int64
	now   func() time.Time
}

func newReceiver(c config.FakeReceiver, d config.Delivery, logger *logging.Logger) *receiver {
	status := c.FailStatus
	if status < 400 {
		status = http.StatusInternalServerError
	}
	return &receiver{
		failFirstN: c.FailFirstN,
		failStatus: status,
		secret:     []byte(c.EndpointSecret),
		leeway:     time.Duration(c.SigningLeewaySeconds) * time.Second,
		delay:      time.Duration(c.ResponseDelayMS) * time.Millisecond,
		sigHeader:  d.SignatureHeader,
		tsHeader:   d.TimestampHeader,
		logger:     logger,
		now:        time.Now,
	}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("jobhook-fake-receiver")
	rcv := newReceiver(cfg.FakeReceiver, cfg.Delivery, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rcv.handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rcv.failFirstN,
		"fail_status":  rcv.failStatus,
		"signed":       len(rcv.secret) > 0,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rc.count.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	log := rc.logger.Plain().WithFields(map[string]any{
		"request": n,
		"path":    r.URL.Path,
		"trace":   r.Header.Get("X-Trace-Id"),
	})

	if len(rc.secret) > 0 {
		err := delivery.Verify(rc.secret, b, r.Header.Get(rc.tsHeader), r.Header.Get(rc.sigHeader), rc.leeway, rc.now())
		if err != nil {
			log.WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	// Simulate flakiness: first N requests fail
	if n <= int64(rc.failFirstN) {
		log.WithField("body", truncate(string(b), 160)).Infof("FAILING (%d/%d)", n, rc.failFirstN)
		http.Error(w, "temporary failure", rc.failStatus)
		return
	}

	log.WithField("body", truncate(string(b), 160)).Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
