package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/austindbirch/jobhook/internal/deadletter"
	"github.com/austindbirch/jobhook/internal/delivery"
)

func validRetryReason(r string) bool {
	return r == "manual" || r == "system" || r == "admin"
}

// ManualRetry handles POST /retry-webhook/{id}. A request whose metadata
// marks it as coming from the dead-letter archive revives the delivery
// with a fresh record; otherwise a live delivery is made due now.
// Refusals are reported in the response, not as errors.
func (e *Engine) ManualRetry(ctx context.Context, req deadletter.RetryRequest) (*deadletter.RetryResponse, error) {
	if req.WebhookID == "" {
		return &deadletter.RetryResponse{Success: false, Message: "webhookId is required"}, nil
	}
	if !validRetryReason(req.Reason) {
		return &deadletter.RetryResponse{Success: false, Message: fmt.Sprintf("invalid reason %q", req.Reason)}, nil
	}
	log := e.logger.WithContext(ctx).WithJob(req.WebhookID).WithField("reason", req.Reason)

	if req.Metadata["source"] == "dead_letter" {
		resp, err := e.revive(ctx, req)
		if err == nil && resp.Success {
			log.WithField("entry_id", req.Metadata["entryId"]).Info("dead-letter delivery revived")
		}
		return resp, err
	}

	st, err := e.statuses.Get(ctx, req.WebhookID)
	if errors.Is(err, delivery.ErrStatusNotFound) {
		return &deadletter.RetryResponse{Success: false, Message: "no delivery for " + req.WebhookID}, nil
	}
	if err != nil {
		return nil, err
	}
	switch st.State {
	case delivery.StateDelivered:
		return &deadletter.RetryResponse{Success: false, Message: "delivery already succeeded"}, nil
	case delivery.StateDeadLetter:
		return &deadletter.RetryResponse{Success: false, Message: "delivery is dead-lettered; retry its dead-letter entry"}, nil
	}

	at, err := e.retry.ScheduleNow(ctx, req.WebhookID)
	if err != nil {
		return nil, err
	}
	log.WithDelivery(st.ID).Info("manual retry scheduled")
	return &deadletter.RetryResponse{Success: true, Message: "retry scheduled", RetryID: st.ID, ScheduledAt: &at}, nil
}

// revive recreates a dead-lettered delivery from its archive entry and
// schedules it. Attempts restart at zero under a new delivery id.
func (e *Engine) revive(ctx context.Context, req deadletter.RetryRequest) (*deadletter.RetryResponse, error) {
	entryID := req.Metadata["entryId"]
	if entryID == "" {
		return &deadletter.RetryResponse{Success: false, Message: "metadata.entryId is required"}, nil
	}
	entry, err := e.archive.Get(ctx, entryID)
	if errors.Is(err, deadletter.ErrEntryNotFound) {
		return &deadletter.RetryResponse{Success: false, Message: "dead-letter entry not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.JobID != req.WebhookID {
		return &deadletter.RetryResponse{Success: false, Message: "entry does not belong to " + req.WebhookID}, nil
	}

	payload := req.Payload
	if len(payload) == 0 {
		payload = entry.Payload
	}

	release, err := e.acquire(ctx, req.WebhookID)
	if errors.Is(err, ErrInFlight) {
		return &deadletter.RetryResponse{Success: false, Message: "delivery in flight"}, nil
	}
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := e.statuses.Create(ctx, req.WebhookID, delivery.Status{
		TargetID:     entry.TargetID,
		TargetURL:    entry.TargetURL,
		ExtraHeaders: entry.ExtraHeaders,
		MaxAttempts:  entry.MaxAttempts,
		Payload:      payload,
	})
	if err != nil {
		return nil, err
	}
	at, err := e.retry.ScheduleNow(ctx, req.WebhookID)
	if err != nil {
		return nil, err
	}
	return &deadletter.RetryResponse{Success: true, Message: "retry scheduled", RetryID: st.ID, ScheduledAt: &at}, nil
}
