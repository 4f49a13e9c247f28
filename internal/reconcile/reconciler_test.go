package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parley/chat-relay/internal/session"
)

// fakeSource is an in-memory Source with switchable failure modes.
type fakeSource struct {
	tokens     []string
	expired    int64
	listErr    error
	deleteErr  error
	listCalls  int
	sweepCalls int
}

func (f *fakeSource) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	f.sweepCalls++
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	n := f.expired
	f.expired = 0
	return n, nil
}

func (f *fakeSource) ListValidTokens(ctx context.Context) ([]string, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tokens, nil
}

func TestRunOnceReplacesCache(t *testing.T) {
	cache := session.NewCache()
	cache.Insert("stale-token")

	src := &fakeSource{tokens: []string{"tok-1", "tok-2"}, expired: 3}
	r := New(cache, src, DefaultConfig())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if cache.Contains("stale-token") {
		t.Error("stale token survived reconciliation")
	}
	if !cache.Contains("tok-1") || !cache.Contains("tok-2") {
		t.Error("fetched tokens missing from cache")
	}
}

func TestRunOnceIdempotent(t *testing.T) {
	cache := session.NewCache()
	src := &fakeSource{tokens: []string{"tok-1", "tok-2"}}
	r := New(cache, src, DefaultConfig())

	for i := 0; i < 2; i++ {
		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce() #%d error: %v", i+1, err)
		}
	}

	if cache.Len() != 2 {
		t.Errorf("Len() = %d after two cycles, want 2", cache.Len())
	}
	if !cache.Contains("tok-1") || !cache.Contains("tok-2") {
		t.Error("tokens missing after repeated reconciliation")
	}
}

func TestRunOnceListFailureLeavesCacheUntouched(t *testing.T) {
	cache := session.NewCache()
	cache.Insert("tok-keep")

	src := &fakeSource{listErr: errors.New("db down")}
	r := New(cache, src, DefaultConfig())

	if err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() succeeded, want error")
	}

	if !cache.Contains("tok-keep") {
		t.Error("cache was modified despite the fetch failing")
	}
}

func TestRunOnceSweepFailureStillReconciles(t *testing.T) {
	cache := session.NewCache()
	src := &fakeSource{
		tokens:    []string{"tok-1"},
		deleteErr: errors.New("db down"),
	}
	r := New(cache, src, DefaultConfig())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error: %v (sweep failure must not abort the cycle)", err)
	}
	if !cache.Contains("tok-1") {
		t.Error("cache not reconciled after sweep failure")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cache := session.NewCache()
	src := &fakeSource{tokens: []string{"tok-1"}}
	r := New(cache, src, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Let at least one cycle fire, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after context cancellation")
	}

	if src.listCalls == 0 {
		t.Error("no reconciliation cycle ran before cancellation")
	}
}
