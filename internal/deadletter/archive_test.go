package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/kv"
	"github.com/austindbirch/jobhook/internal/logging"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps MemoryStore and fails selected calls.
type faultyStore struct {
	*kv.MemoryStore
	failDel    map[string]bool
	failGet    map[string]bool
	failSAdd   bool
	failExpire bool
	failSetPfx string
}

func (f *faultyStore) Del(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if f.failDel[k] {
			return errInjected
		}
	}
	return f.MemoryStore.Del(ctx, keys...)
}

func (f *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet[key] {
		return nil, errInjected
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	if f.failSetPfx != "" && strings.HasPrefix(key, f.failSetPfx) {
		return errInjected
	}
	return f.MemoryStore.Set(ctx, key, v, ttl)
}

func (f *faultyStore) SAdd(ctx context.Context, key string, members ...string) error {
	if f.failSAdd {
		return errInjected
	}
	return f.MemoryStore.SAdd(ctx, key, members...)
}

func (f *faultyStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if f.failExpire {
		return errInjected
	}
	return f.MemoryStore.Expire(ctx, key, ttl)
}

type fixture struct {
	store    *faultyStore
	statuses *delivery.StatusStore
	archive  *Archive
	clock    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: &faultyStore{MemoryStore: kv.NewMemory(), failDel: map[string]bool{}, failGet: map[string]bool{}},
		clock: time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC),
	}
	f.store.MemoryStore.Now = func() time.Time { return f.clock }
	f.statuses = delivery.NewStatusStore(f.store, 0)
	f.statuses.Now = func() time.Time { return f.clock }
	quiet := logging.New("deadletter-test")
	quiet.SetOutput(io.Discard)
	f.archive = New(f.store, f.statuses, append([]Option{WithLogger(quiet)}, opts...)...)
	f.archive.Now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) failedDelivery(t *testing.T, jobID string) {
	t.Helper()
	_, err := f.statuses.Create(context.Background(), jobID, delivery.Status{
		State:       delivery.StateFailed,
		Attempts:    3,
		TargetURL:   "http://hook",
		Payload:     json.RawMessage(`{"jobId":"` + jobID + `", "state":"done"}`),
		LastError:   &delivery.ErrorInfo{Message: "http 500 Internal Server Error", Kind: "server", Code: "500"},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func (f *fixture) archiveN(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for i := 1; i <= n; i++ {
		job := fmt.Sprintf("job-%d", i)
		f.failedDelivery(t, job)
		e, err := f.archive.Archive(context.Background(), job, ReasonMaxAttemptsExceeded)
		if err != nil {
			t.Fatalf("Archive(%s) error = %v", job, err)
		}
		ids = append(ids, e.ID)
		f.clock = f.clock.Add(time.Hour)
	}
	return ids
}

func TestArchive_Archive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.failedDelivery(t, "job-1")

	e, err := f.archive.Archive(ctx, "job-1", ReasonMaxAttemptsExceeded)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if want := fmt.Sprintf("job-1_%d", f.clock.UnixMilli()); e.ID != want {
		t.Errorf("entry ID = %q, want %q", e.ID, want)
	}
	if e.Attempts != 3 || e.Category != "server" || e.Severity != "medium" {
		t.Errorf("entry = %+v, want attempts 3, category server, severity medium", e)
	}
	if e.FinalError == nil || e.FinalError.Code != "500" {
		t.Errorf("FinalError = %+v, want code 500", e.FinalError)
	}

	got, err := f.archive.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Payload) != `{"jobId":"job-1", "state":"done"}` {
		t.Errorf("stored payload = %s, want verbatim copy", got.Payload)
	}

	st, _ := f.statuses.Get(ctx, "job-1")
	if st.State != delivery.StateDeadLetter || st.Timestamps.Failed == nil {
		t.Errorf("status = %s failed=%v, want dead_letter with failed stamp", st.State, st.Timestamps.Failed)
	}
	if n, _ := f.archive.Size(ctx); n != 1 {
		t.Errorf("Size() = %d, want 1", n)
	}

	if _, err := f.archive.Archive(ctx, "job-1", ReasonManual); !errors.Is(err, ErrAlreadyArchived) {
		t.Errorf("Archive() twice error = %v, want ErrAlreadyArchived", err)
	}
}

func TestArchive_ArchiveErrors(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture)
		reason Reason
		want   error
	}{
		{name: "missing status", setup: func(*fixture) {}, reason: ReasonManual, want: delivery.ErrStatusNotFound},
		{name: "unknown reason", reason: Reason("bored")},
		{name: "membership write fails", setup: func(f *fixture) { f.store.failSAdd = true }, reason: ReasonManual, want: errInjected},
		{name: "queue ttl refresh fails", setup: func(f *fixture) { f.store.failExpire = true }, reason: ReasonMaxAttemptsExceeded, want: errInjected},
		{
			name: "delivered job",
			setup: func(f *fixture) {
				_, _ = f.statuses.Update(context.Background(), "job-1", delivery.Patch{State: delivery.Ptr(delivery.StateDelivered)})
			},
			reason: ReasonManual,
			want:   delivery.ErrTerminalState,
		},
		{name: "status write fails", setup: func(f *fixture) { f.store.failSetPfx = "delivery:" }, reason: ReasonManual, want: errInjected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			if tt.name != "missing status" {
				f.failedDelivery(t, "job-1")
			}
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.archive.Archive(ctx, "job-1", tt.reason)
			if err == nil {
				t.Fatal("Archive() error = nil, want error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Archive() error = %v, want %v", err, tt.want)
			}

			// nothing half-written survives
			members, _ := f.store.SMembers(ctx, QueueKey)
			if len(members) != 0 {
				t.Errorf("queue membership = %v, want empty", members)
			}
			if _, err := f.archive.Get(ctx, fmt.Sprintf("job-1_%d", f.clock.UnixMilli())); !errors.Is(err, ErrEntryNotFound) {
				t.Errorf("entry after failed Archive() error = %v, want ErrEntryNotFound", err)
			}
			if st, err := f.statuses.Get(ctx, "job-1"); err == nil && st.State == delivery.StateDeadLetter {
				t.Errorf("status after failed Archive() = %s, want unchanged", st.State)
			}
		})
	}
}

func TestArchive_ListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.archiveN(t, 5)

	page, err := f.archive.List(ctx, 2, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 5 {
		t.Errorf("List() Total = %d, want 5", page.Total)
	}
	if len(page.Entries) != 2 || page.Entries[0].ID != ids[3] || page.Entries[1].ID != ids[2] {
		t.Errorf("List(2,1) = %v, want [%s %s]", entryIDs(page.Entries), ids[3], ids[2])
	}

	past, _ := f.archive.List(ctx, 10, 50)
	if len(past.Entries) != 0 || past.Total != 5 {
		t.Errorf("List() past end = %d entries / total %d, want 0 / 5", len(past.Entries), past.Total)
	}
}

func TestArchive_ListSkipsUnreadable(t *testing.T) {
	f := newFixture(t)
	ids := f.archiveN(t, 3)
	f.store.failGet[entryKey(ids[1])] = true

	page, err := f.archive.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 2 || len(page.Entries) != 2 {
		t.Errorf("List() = %d entries / total %d, want 2 / 2", len(page.Entries), page.Total)
	}
	if page.Limit != DefaultListLimit {
		t.Errorf("List() Limit = %d, want %d", page.Limit, DefaultListLimit)
	}
}

func TestArchive_ClearToleratesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.archiveN(t, 5)
	f.store.failDel[entryKey(ids[2])] = true

	cleared, err := f.archive.Clear(ctx)
	if err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if cleared != 4 {
		t.Errorf("Clear() = %d, want 4", cleared)
	}
	page, _ := f.archive.List(ctx, 0, 0)
	if page.Total != 1 || page.Entries[0].ID != ids[2] {
		t.Errorf("remaining entries = %v, want only %s", entryIDs(page.Entries), ids[2])
	}
}

func TestArchive_Retry(t *testing.T) {
	tests := []struct {
		name       string
		resp       *RetryResponse
		err        error
		wantErr    error
		wantRemain bool
	}{
		{name: "accepted", resp: &RetryResponse{Success: true, Message: "scheduled", RetryID: "job-1"}},
		{name: "rejected", resp: &RetryResponse{Success: false, Message: "target disabled"}, wantErr: ErrRetryRejected, wantRemain: true},
		{name: "transport error", err: errInjected, wantErr: errInjected, wantRemain: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RetryRequest
			client := RetryFunc(func(_ context.Context, req RetryRequest) (*RetryResponse, error) {
				got = req
				return tt.resp, tt.err
			})
			f := newFixture(t, WithRetryClient(client))
			ctx := context.Background()
			id := f.archiveN(t, 1)[0]

			_, err := f.archive.Retry(ctx, id)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Retry() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Retry() error = %v, want %v", err, tt.wantErr)
			}

			if got.WebhookID != "job-1" || got.Reason != "admin" {
				t.Errorf("request = %+v, want webhookId job-1 reason admin", got)
			}
			if got.Metadata["source"] != "dead_letter" || got.Metadata["entryId"] != id || got.Metadata["originalReason"] != string(ReasonMaxAttemptsExceeded) {
				t.Errorf("request metadata = %v", got.Metadata)
			}
			if string(got.Payload) != `{"jobId":"job-1", "state":"done"}` {
				t.Errorf("request payload = %s", got.Payload)
			}

			_, getErr := f.archive.Get(ctx, id)
			members, _ := f.store.SMembers(ctx, QueueKey)
			if tt.wantRemain {
				if getErr != nil || len(members) != 1 {
					t.Errorf("entry removed after failed retry: get=%v members=%v", getErr, members)
				}
			} else {
				if !errors.Is(getErr, ErrEntryNotFound) || len(members) != 0 {
					t.Errorf("entry kept after retry: get=%v members=%v", getErr, members)
				}
			}
		})
	}
}

func TestArchive_RetryUnknownEntry(t *testing.T) {
	f := newFixture(t, WithRetryClient(RetryFunc(func(context.Context, RetryRequest) (*RetryResponse, error) {
		t.Error("retry client called for unknown entry")
		return nil, nil
	})))
	if _, err := f.archive.Retry(context.Background(), "nope"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Retry() error = %v, want ErrEntryNotFound", err)
	}
}

func TestArchive_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.clock
	f.archiveN(t, 3)

	f.clock = f.clock.Add(24 * time.Hour)
	f.failedDelivery(t, "job-x")
	if _, err := f.archive.Archive(ctx, "job-x", ReasonPermanentFailure); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	s, err := f.archive.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if s.Total != 4 || s.Scanned != 4 {
		t.Errorf("Stats() total/scanned = %d/%d, want 4/4", s.Total, s.Scanned)
	}
	if s.ByReason[ReasonMaxAttemptsExceeded] != 3 || s.ByReason[ReasonPermanentFailure] != 1 {
		t.Errorf("Stats() ByReason = %v", s.ByReason)
	}
	if s.ByDay["2026-04-10"] != 3 || s.ByDay["2026-04-11"] != 1 {
		t.Errorf("Stats() ByDay = %v", s.ByDay)
	}
	if s.Oldest == nil || !s.Oldest.Equal(first) || s.Newest == nil || !s.Newest.Equal(f.clock) {
		t.Errorf("Stats() oldest/newest = %v/%v, want %v/%v", s.Oldest, s.Newest, first, f.clock)
	}
}

func entryIDs(es []Entry) []string {
	out := make([]string, len(es))
	for i := range es {
		out[i] = es[i].ID
	}
	return out
}
