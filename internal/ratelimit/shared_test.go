package ratelimit

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

// fakeStore is an in-memory sortedSetStore for tests.
type fakeStore struct {
	sets   map[string]map[string]int64 // key -> member -> score ms
	addErr error
	prnErr error
	closed bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{sets: make(map[string]map[string]int64)}
}

func (f *fakeStore) Prune(_ context.Context, key string, cutoffMs int64) (int64, int64, error) {
	if f.prnErr != nil {
		return 0, 0, f.prnErr
	}
	set := f.sets[key]
	for m, score := range set {
		if score <= cutoffMs {
			delete(set, m)
		}
	}
	var scores []int64
	for _, s := range set {
		scores = append(scores, s)
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i] < scores[j] })
	var oldest int64
	if len(scores) > 0 {
		oldest = scores[0]
	}
	return int64(len(scores)), oldest, nil
}

func (f *fakeStore) Add(_ context.Context, key string, nowMs int64, member string, _ time.Duration) error {
	if f.addErr != nil {
		return f.addErr
	}
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]int64)
	}
	f.sets[key][member] = nowMs
	return nil
}

func (f *fakeStore) Clear(_ context.Context, key string) error {
	delete(f.sets, key)
	return nil
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func newTestShared(t *testing.T, cfg Config, store sortedSetStore) (*Shared, *time.Time) {
	t.Helper()
	s := NewShared(cfg, store, "rl:")
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	s.fallback.now = s.now
	return s, &clock
}

func TestShared_BurstThenDeny(t *testing.T) {
	s, _ := newTestShared(t, Config{MaxRequests: 2, Window: time.Minute}, newFakeStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := s.Check(ctx, "alice")
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("check %d denied", i)
		}
	}

	d, err := s.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if d.Allowed {
		t.Error("third request allowed, want denied")
	}
}

func TestShared_WindowSlides(t *testing.T) {
	store := newFakeStore()
	s, clock := newTestShared(t, Config{MaxRequests: 1, Window: time.Minute}, store)
	ctx := context.Background()

	s.Check(ctx, "k")
	if d, _ := s.Check(ctx, "k"); d.Allowed {
		t.Fatal("allowed while window full")
	}

	*clock = clock.Add(time.Minute + time.Second)
	if d, _ := s.Check(ctx, "k"); !d.Allowed {
		t.Error("denied after window elapsed")
	}
}

func TestShared_AdmissionExpiresExactlyOneWindowLater(t *testing.T) {
	store := newFakeStore()
	s, clock := newTestShared(t, Config{MaxRequests: 1, Window: time.Minute}, store)
	ctx := context.Background()

	s.Check(ctx, "k")

	// Exactly one window after the admission its timestamp sits on the
	// prune cutoff and must be dropped, same as the in-process limiter.
	*clock = clock.Add(time.Minute)
	if d, _ := s.Check(ctx, "k"); !d.Allowed {
		t.Error("denied exactly one window after the admission")
	}
}

func TestShared_KeyPrefixApplied(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestShared(t, Config{MaxRequests: 5, Window: time.Minute}, store)

	s.Check(context.Background(), "alice")
	if _, ok := store.sets["rl:alice"]; !ok {
		t.Errorf("store keys = %v, want rl:alice", keysOf(store.sets))
	}
}

func TestShared_FallsBackOnStoreError(t *testing.T) {
	store := newFakeStore()
	store.prnErr = errors.New("connection refused")
	s, _ := newTestShared(t, Config{MaxRequests: 2, Window: time.Minute}, store)
	ctx := context.Background()

	// The store is down; admission must still work, enforced locally.
	for i := 0; i < 2; i++ {
		d, err := s.Check(ctx, "alice")
		if err != nil {
			t.Fatalf("check %d returned error during fallback: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("check %d denied during fallback", i)
		}
	}
	if d, _ := s.Check(ctx, "alice"); d.Allowed {
		t.Error("fallback limiter did not enforce the budget")
	}
}

func TestShared_FallsBackOnAddError(t *testing.T) {
	store := newFakeStore()
	store.addErr = errors.New("write timeout")
	s, _ := newTestShared(t, Config{MaxRequests: 3, Window: time.Minute}, store)

	d, err := s.Check(context.Background(), "k")
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !d.Allowed {
		t.Error("denied on first request during add fallback")
	}
}

func TestShared_RecoversAfterStoreError(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestShared(t, Config{MaxRequests: 10, Window: time.Minute}, store)
	ctx := context.Background()

	store.prnErr = errors.New("down")
	s.Check(ctx, "k")

	store.prnErr = nil
	d, err := s.Check(ctx, "k")
	if err != nil || !d.Allowed {
		t.Errorf("check after recovery: allowed=%v err=%v", d.Allowed, err)
	}
	if len(store.sets["rl:k"]) != 1 {
		t.Errorf("store has %d admissions, want 1 (fallback checks stay local)", len(store.sets["rl:k"]))
	}
}

func TestShared_Reset(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestShared(t, Config{MaxRequests: 1, Window: time.Minute}, store)
	ctx := context.Background()

	s.Check(ctx, "k")
	if err := s.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if d, _ := s.Check(ctx, "k"); !d.Allowed {
		t.Error("denied immediately after reset")
	}
}

func TestShared_CloseReleasesStore(t *testing.T) {
	store := newFakeStore()
	s := NewShared(Config{MaxRequests: 1, Window: time.Minute}, store, "rl:")
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !store.closed {
		t.Error("store not closed")
	}
}

func keysOf(m map[string]map[string]int64) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
