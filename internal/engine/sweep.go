package engine

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/jobhook/internal/delivery"
)

const DefaultSweepBatch = 100

// Dispatch hands a claimed job id to whatever runs the retry.
type Dispatch func(ctx context.Context, jobID string) error

type SweepResult struct {
	Due        int `json:"due"`
	Claimed    int `json:"claimed"`
	Dispatched int `json:"dispatched"`
	Failed     int `json:"failed"`
}

// Sweep claims retries due at now and dispatches each one. A nil dispatch
// resumes inline. Claims that fail to dispatch go back on the schedule.
func (e *Engine) Sweep(ctx context.Context, now time.Time, batch int, dispatch Dispatch) (SweepResult, error) {
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	if dispatch == nil {
		dispatch = e.resumeDispatch
	}
	var res SweepResult

	due, err := e.retry.Due(ctx, now, batch)
	if err != nil {
		return res, err
	}
	res.Due = len(due)
	for _, jobID := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		won, err := e.retry.Claim(ctx, jobID)
		if err != nil {
			return res, err
		}
		if !won {
			continue
		}
		res.Claimed++

		if err := dispatch(ctx, jobID); err != nil {
			res.Failed++
			e.requeue(ctx, jobID, err)
			continue
		}
		res.Dispatched++
	}
	return res, nil
}

func (e *Engine) resumeDispatch(ctx context.Context, jobID string) error {
	_, err := e.Resume(ctx, jobID)
	if errors.Is(err, delivery.ErrStatusNotFound) {
		// expired or deleted; nothing left to retry
		e.logger.WithContext(ctx).WithJob(jobID).Warn("dropping retry for missing delivery")
		return nil
	}
	return err
}

// requeue puts a claimed job back after the lease window so a busy job
// is not spun on.
func (e *Engine) requeue(ctx context.Context, jobID string, cause error) {
	log := e.logger.WithContext(ctx).WithJob(jobID).WithError(cause)
	at := e.Now().Add(e.leaseTTL)
	if err := e.retry.ScheduleAt(ctx, jobID, at); err != nil {
		log.WithField("requeue_error", err.Error()).Error("retry dispatch failed and could not be requeued")
		return
	}
	log.WithField("next_retry", at.Format(time.RFC3339)).Warn("retry dispatch failed, requeued")
}

// RunSweeper sweeps every interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration, batch int, dispatch Dispatch) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Sweep(ctx, e.Now(), batch, dispatch)
			if err != nil && ctx.Err() == nil {
				e.logger.WithContext(ctx).WithError(err).Error("retry sweep failed")
				continue
			}
			if res.Claimed > 0 {
				e.logger.WithContext(ctx).WithFields(map[string]any{
					"due":        res.Due,
					"claimed":    res.Claimed,
					"dispatched": res.Dispatched,
					"failed":     res.Failed,
				}).Info("retry sweep")
			}
		}
	}
}
