package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/jobhook/internal/kv"
)

const (
	DefaultStatusTTL   = 7 * 24 * time.Hour
	DefaultMaxAttempts = 3
)

var ErrStatusNotFound = errors.New("delivery status not found")

func statusKey(jobID string) string { return "delivery:" + jobID }

// StatusStore is CRUD over Status records keyed by job id. It does not
// serialise writers; concurrent updates to one job are last-write-wins.
type StatusStore struct {
	kv  kv.Store
	ttl time.Duration

	Now   func() time.Time
	NewID func() string
}

func NewStatusStore(store kv.Store, ttl time.Duration) *StatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusStore{
		kv:    store,
		ttl:   ttl,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

func (s *StatusStore) Get(ctx context.Context, jobID string) (*Status, error) {
	b, err := s.kv.Get(ctx, statusKey(jobID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", jobID, err)
	}
	st, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("decode status %s: %w", jobID, err)
	}
	return st, nil
}

// Create writes a fresh record for jobID, filling defaults into init.
// An existing record is overwritten.
func (s *StatusStore) Create(ctx context.Context, jobID string, init Status) (*Status, error) {
	st := s.withDefaults(jobID, init)
	if err := s.put(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Update merges p into the stored record. A missing record is synthesised
// from p plus defaults rather than reported as an error.
func (s *StatusStore) Update(ctx context.Context, jobID string, p Patch) (*Status, error) {
	st, err := s.Get(ctx, jobID)
	if errors.Is(err, ErrStatusNotFound) {
		st = s.withDefaults(jobID, Status{})
	} else if err != nil {
		return nil, err
	}
	st.apply(p, s.Now())
	if err := s.put(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *StatusStore) Delete(ctx context.Context, jobID string) error {
	if err := s.kv.Del(ctx, statusKey(jobID)); err != nil {
		return fmt.Errorf("delete status %s: %w", jobID, err)
	}
	return nil
}

func (s *StatusStore) withDefaults(jobID string, st Status) *Status {
	now := s.Now()
	st.JobID = jobID
	if st.ID == "" {
		st.ID = s.NewID()
	}
	if st.State == "" {
		st.State = StatePending
	}
	if st.MaxAttempts <= 0 {
		st.MaxAttempts = DefaultMaxAttempts
	}
	if st.Timestamps.Created.IsZero() {
		st.Timestamps.Created = now
	}
	if st.Timestamps.LastAttempt.IsZero() {
		st.Timestamps.LastAttempt = now
	}
	return &st
}

func (s *StatusStore) put(ctx context.Context, st *Status) error {
	b, err := encode(st)
	if err != nil {
		return fmt.Errorf("encode status %s: %w", st.JobID, err)
	}
	if err := s.kv.Set(ctx, statusKey(st.JobID), b, s.ttl); err != nil {
		return fmt.Errorf("put status %s: %w", st.JobID, err)
	}
	return nil
}
