package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func leaseKey(jobID string) string { return "lease:" + jobID }

// acquire takes the single-flight lease for jobID. The returned release
// is safe to defer; it only deletes the lease if this caller still owns it.
func (e *Engine) acquire(ctx context.Context, jobID string) (func(), error) {
	token := uuid.NewString()
	ok, err := e.kv.SetNX(ctx, leaseKey(jobID), []byte(token), e.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", jobID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, jobID)
	}
	return func() {
		// advisory: an unreleased lease expires after leaseTTL
		ctx := context.WithoutCancel(ctx)
		held, err := e.kv.Get(ctx, leaseKey(jobID))
		if err != nil || string(held) != token {
			return
		}
		if err := e.kv.Del(ctx, leaseKey(jobID)); err != nil {
			e.advisoryFailed(ctx, jobID, "lease.release", err)
		}
	}, nil
}
