// Package dedupe recognises replays of the same logical event.
//
// The ledger is advisory. A store failure while checking is reported back
// with a not-duplicate verdict so real events are never dropped, and
// MarkProcessed never fails its caller because of a missing record.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/jobhook/internal/kv"
)

const DefaultTTL = 24 * time.Hour

// Identity is the part of an event payload that defines "the same event".
// Anything else in the payload, timestamps included, is ignored.
type Identity struct {
	JobID    string `json:"jobId"`
	State    string `json:"state"`
	TargetID string `json:"targetId"`
}

// Record is stored under dedupe:<hash>.
type Record struct {
	Hash        string     `json:"hash"`
	JobID       string     `json:"jobId"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ParseIdentity extracts the identifying fields from a JSON payload.
func ParseIdentity(payload []byte) (Identity, error) {
	var id Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return Identity{}, fmt.Errorf("parse event identity: %w", err)
	}
	return id, nil
}

// Hash is sha256 over the canonical encoding of id. Struct field order is
// fixed, so key order in the source payload does not matter.
func Hash(id Identity) string {
	b, _ := json.Marshal(id)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func key(hash string) string { return "dedupe:" + hash }

type Ledger struct {
	kv  kv.Store
	ttl time.Duration
	Now func() time.Time
}

func NewLedger(store kv.Store, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{kv: store, ttl: ttl, Now: func() time.Time { return time.Now().UTC() }}
}

// CheckDuplicate reports whether id was already processed. An unseen
// identity gets an unprocessed record. The verdict is always usable: when
// err is non-nil it is false and the caller should proceed.
func (l *Ledger) CheckDuplicate(ctx context.Context, id Identity) (bool, error) {
	hash := Hash(id)
	b, err := json.Marshal(Record{Hash: hash, JobID: id.JobID, CreatedAt: l.Now()})
	if err != nil {
		return false, err
	}
	created, err := l.kv.SetNX(ctx, key(hash), b, l.ttl)
	if err != nil {
		return false, fmt.Errorf("dedupe check %s: %w", hash, err)
	}
	if created {
		return false, nil
	}
	rec, err := l.get(ctx, hash)
	if err != nil {
		return false, err
	}
	return rec.Processed, nil
}

// MarkProcessed flips the record for id to processed. It is a no-op when
// the record is gone or already processed.
func (l *Ledger) MarkProcessed(ctx context.Context, id Identity) error {
	hash := Hash(id)
	rec, err := l.get(ctx, hash)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Processed {
		return nil
	}
	now := l.Now()
	rec.Processed = true
	rec.ProcessedAt = &now
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// keep the original expiry window rather than extending it
	ttl := l.ttl - now.Sub(rec.CreatedAt)
	if ttl <= 0 {
		return nil
	}
	if err := l.kv.Set(ctx, key(hash), b, ttl); err != nil {
		return fmt.Errorf("dedupe mark %s: %w", hash, err)
	}
	return nil
}

// Lookup returns the stored record for id, or kv.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, id Identity) (*Record, error) {
	return l.get(ctx, Hash(id))
}

func (l *Ledger) get(ctx context.Context, hash string) (*Record, error) {
	b, err := l.kv.Get(ctx, key(hash))
	if err != nil {
		return nil, fmt.Errorf("dedupe read %s: %w", hash, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("dedupe decode %s: %w", hash, err)
	}
	return &rec, nil
}
