package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/kv"
	"github.com/austindbirch/jobhook/internal/logging"
	"github.com/austindbirch/jobhook/internal/metrics"
)

const (
	DefaultTTL = 90 * 24 * time.Hour
	QueueKey   = "queue:dead"

	DefaultListLimit = 50
	// StatsScanLimit bounds how many entries Stats reads.
	StatsScanLimit = 1000
)

var (
	ErrEntryNotFound   = errors.New("dead-letter entry not found")
	ErrAlreadyArchived = errors.New("delivery already archived")
	ErrRetryRejected   = errors.New("retry rejected by target")
)

func entryKey(id string) string { return "dead:" + id }

// Notifier is told about every new entry. Failures are logged and ignored.
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, e *Entry) error
}

type Archive struct {
	kv       kv.Store
	statuses *delivery.StatusStore
	client   RetryClient
	notifier Notifier
	ttl      time.Duration
	logger   *logging.Logger

	Now func() time.Time
}

type Option func(*Archive)

func WithRetryClient(c RetryClient) Option { return func(a *Archive) { a.client = c } }

func WithNotifier(n Notifier) Option { return func(a *Archive) { a.notifier = n } }

func WithTTL(ttl time.Duration) Option { return func(a *Archive) { a.ttl = ttl } }

func WithLogger(l *logging.Logger) Option { return func(a *Archive) { a.logger = l } }

func New(store kv.Store, statuses *delivery.StatusStore, opts ...Option) *Archive {
	a := &Archive{
		kv:       store,
		statuses: statuses,
		ttl:      DefaultTTL,
		logger:   logging.Default(),
		Now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetRetryClient installs the client used by Retry. The engine and the
// archive reference each other, so this is set after both exist.
func (a *Archive) SetRetryClient(c RetryClient) { a.client = c }

// Archive moves jobID into the archive. The entry is persisted before its
// id joins the queue set, and a failed status write undoes both.
func (a *Archive) Archive(ctx context.Context, jobID string, reason Reason) (*Entry, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("unknown dead-letter reason %q", reason)
	}
	st, err := a.statuses.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch st.State {
	case delivery.StateDeadLetter:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyArchived, jobID)
	case delivery.StateDelivered:
		return nil, fmt.Errorf("%w: %s was delivered", delivery.ErrTerminalState, jobID)
	}

	now := a.Now()
	e := &Entry{
		ID:           entryID(jobID, now),
		JobID:        jobID,
		DeliveryID:   st.ID,
		TargetID:     st.TargetID,
		TargetURL:    st.TargetURL,
		ExtraHeaders: st.ExtraHeaders,
		Reason:       reason,
		CreatedAt:    now,
		Payload:      st.Payload,
		FinalError:   st.LastError,
		LastResponse: st.LastResponse,
		Attempts:     st.Attempts,
		MaxAttempts:  st.MaxAttempts,
		Severity:     severity(reason),
		Category:     "unknown",
	}
	if st.LastError != nil && st.LastError.Kind != "" {
		e.Category = st.LastError.Kind
	}
	log := a.logger.WithContext(ctx).WithJob(jobID).WithDelivery(st.ID)

	b, err := encodeEntry(e)
	if err != nil {
		return nil, fmt.Errorf("encode entry: %w", err)
	}
	if err := a.kv.Set(ctx, entryKey(e.ID), b, a.ttl); err != nil {
		return nil, fmt.Errorf("persist entry %s: %w", e.ID, err)
	}
	if added, err := a.addMember(ctx, e.ID); err != nil {
		a.undo(ctx, e.ID, added)
		return nil, err
	}
	if _, err := a.statuses.Update(ctx, jobID, delivery.Patch{
		State:      delivery.Ptr(delivery.StateDeadLetter),
		Timestamps: &delivery.TimestampsPatch{Failed: &now, ClearNextRetry: true},
	}); err != nil {
		a.undo(ctx, e.ID, true)
		return nil, fmt.Errorf("mark %s dead: %w", jobID, err)
	}

	metrics.RecordDLQ(string(reason))
	metrics.RecordDelivery(string(delivery.StateDeadLetter))
	log.WithFields(map[string]any{
		"entry_id": e.ID,
		"reason":   reason,
		"attempts": e.Attempts,
	}).Warn("delivery dead-lettered")

	if a.notifier != nil {
		// advisory: the entry is already durable
		if err := a.notifier.NotifyDeadLetter(ctx, e); err != nil {
			metrics.RecordAdvisoryFailure("deadletter.notify")
			a.logger.WithContext(ctx).WithJob(jobID).Advisory("deadletter.notify").WithError(err).Warn("dead-letter notification failed")
		}
	}
	return e, nil
}

// undo rolls back a partial Archive. Membership goes first so the set
// never points at a missing entry.
func (a *Archive) undo(ctx context.Context, id string, member bool) {
	if member {
		if err := a.kv.SRem(ctx, QueueKey, id); err != nil {
			a.logger.WithContext(ctx).WithField("entry_id", id).WithError(err).Error("rollback: remove membership failed")
			return
		}
	}
	if err := a.kv.Del(ctx, entryKey(id)); err != nil {
		a.logger.WithContext(ctx).WithField("entry_id", id).WithError(err).Error("rollback: delete entry failed")
	}
}

// addMember reports whether id made it into the queue set, so a failed
// TTL refresh can still be rolled back.
func (a *Archive) addMember(ctx context.Context, id string) (bool, error) {
	if err := a.kv.SAdd(ctx, QueueKey, id); err != nil {
		return false, fmt.Errorf("enqueue entry %s: %w", id, err)
	}
	if err := a.kv.Expire(ctx, QueueKey, a.ttl); err != nil {
		return true, fmt.Errorf("refresh %s ttl: %w", QueueKey, err)
	}
	return true, nil
}

func (a *Archive) Get(ctx context.Context, id string) (*Entry, error) {
	b, err := a.kv.Get(ctx, entryKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", id, err)
	}
	e, err := decodeEntry(b)
	if err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", id, err)
	}
	return e, nil
}

type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// List returns entries newest first. Unreadable entries are skipped and
// do not count toward Total.
func (a *Archive) List(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := a.readAll(ctx, 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	page := &Page{Total: len(entries), Limit: limit, Offset: offset, Entries: []Entry{}}
	if offset < len(entries) {
		end := offset + limit
		if end > len(entries) {
			end = len(entries)
		}
		page.Entries = entries[offset:end]
	}
	return page, nil
}

// readAll reads up to max entries (0 for all) listed in the queue set.
func (a *Archive) readAll(ctx context.Context, max int) ([]Entry, error) {
	ids, err := a.kv.SMembers(ctx, QueueKey)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", QueueKey, err)
	}
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, err := a.Get(ctx, id)
		if err != nil {
			a.logger.WithContext(ctx).Advisory("deadletter.read").WithField("entry_id", id).WithError(err).Warn("skipping unreadable dead-letter entry")
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Retry asks the retry endpoint to redeliver the entry. The entry is only
// removed once the endpoint accepts.
func (a *Archive) Retry(ctx context.Context, id string) (*RetryResponse, error) {
	if a.client == nil {
		return nil, errors.New("no retry client configured")
	}
	e, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	log := a.logger.WithContext(ctx).WithJob(e.JobID).WithField("entry_id", id)

	resp, err := a.client.RequestRetry(ctx, RetryRequest{
		WebhookID: e.JobID,
		Reason:    "admin",
		Metadata: map[string]string{
			"source":         "dead_letter",
			"entryId":        e.ID,
			"originalReason": string(e.Reason),
		},
		Payload: e.Payload,
	})
	if err != nil {
		log.WithError(err).Error("dead-letter retry failed")
		return nil, fmt.Errorf("retry entry %s: %w", id, err)
	}
	if !resp.Success {
		log.WithField("message", resp.Message).Warn("dead-letter retry rejected")
		return resp, fmt.Errorf("%w: %s", ErrRetryRejected, resp.Message)
	}

	if err := a.remove(ctx, id); err != nil {
		return resp, fmt.Errorf("retry accepted but entry %s not removed: %w", id, err)
	}
	log.Info("dead-letter entry retried")
	return resp, nil
}

// remove drops the membership and then the entry. If the entry delete
// fails the membership is restored so the entry stays listed.
func (a *Archive) remove(ctx context.Context, id string) error {
	if err := a.kv.SRem(ctx, QueueKey, id); err != nil {
		return fmt.Errorf("dequeue entry %s: %w", id, err)
	}
	if err := a.kv.Del(ctx, entryKey(id)); err != nil {
		if rerr := a.kv.SAdd(ctx, QueueKey, id); rerr != nil {
			a.logger.WithContext(ctx).WithField("entry_id", id).WithError(rerr).Error("restore membership failed")
		}
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	if err := a.kv.Expire(ctx, QueueKey, a.ttl); err != nil {
		a.logger.WithContext(ctx).Advisory("deadletter.ttl").WithError(err).Warn("refresh queue ttl failed")
	}
	return nil
}

// Clear removes every listed entry and returns how many were removed.
// Individual failures are logged and skipped.
func (a *Archive) Clear(ctx context.Context) (int, error) {
	ids, err := a.kv.SMembers(ctx, QueueKey)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", QueueKey, err)
	}
	cleared := 0
	for _, id := range ids {
		if err := a.remove(ctx, id); err != nil {
			a.logger.WithContext(ctx).WithField("entry_id", id).WithError(err).Warn("clear: entry not removed")
			continue
		}
		cleared++
	}
	a.logger.WithContext(ctx).WithFields(map[string]any{"cleared": cleared, "listed": len(ids)}).Info("dead-letter queue cleared")
	return cleared, nil
}

type Stats struct {
	Total    int            `json:"total"`
	Scanned  int            `json:"scanned"`
	ByReason map[Reason]int `json:"byReason"`
	ByDay    map[string]int `json:"byDay"`
	Oldest   *time.Time     `json:"oldest,omitempty"`
	Newest   *time.Time     `json:"newest,omitempty"`
}

// Stats aggregates at most StatsScanLimit entries.
func (a *Archive) Stats(ctx context.Context) (*Stats, error) {
	size, err := a.Size(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := a.readAll(ctx, StatsScanLimit)
	if err != nil {
		return nil, err
	}
	s := &Stats{
		Total:    int(size),
		Scanned:  len(entries),
		ByReason: map[Reason]int{},
		ByDay:    map[string]int{},
	}
	for i := range entries {
		at := entries[i].CreatedAt
		s.ByReason[entries[i].Reason]++
		s.ByDay[at.UTC().Format("2006-01-02")]++
		if s.Oldest == nil || at.Before(*s.Oldest) {
			s.Oldest = &at
		}
		if s.Newest == nil || at.After(*s.Newest) {
			s.Newest = &at
		}
	}
	return s, nil
}

// Size is the number of ids in the queue set.
func (a *Archive) Size(ctx context.Context) (int64, error) {
	ids, err := a.kv.SMembers(ctx, QueueKey)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", QueueKey, err)
	}
	return int64(len(ids)), nil
}
