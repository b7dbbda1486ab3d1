package deferred

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
)

// fakeQuerier reports every block number in missing as still absent;
// every call after markPresent(n) flips it to present.
type fakeQuerier struct {
	mu      sync.Mutex
	missing map[uint32]bool
	calls   int
}

func newFakeQuerier(missing ...uint32) *fakeQuerier {
	m := make(map[uint32]bool)
	for _, n := range missing {
		m[n] = true
	}
	return &fakeQuerier{missing: m}
}

func (f *fakeQuerier) MissingBlockNumbers(_ context.Context, lo, hi uint32) (map[uint32]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[uint32]bool)
	for n := lo; n <= hi; n++ {
		if f.missing[n] {
			out[n] = true
		}
	}
	return out, nil
}

func (f *fakeQuerier) markPresent(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.missing, n)
}

func (f *fakeQuerier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type erroringQuerier struct{}

func (erroringQuerier) MissingBlockNumbers(context.Context, uint32, uint32) (map[uint32]bool, error) {
	return nil, errors.New("connection refused")
}

// fakeSink records every batch flushed to it.
type fakeSink struct {
	mu      sync.Mutex
	batches [][]chain.StorageChange
}

func (f *fakeSink) InsertStorageBatch(_ context.Context, changes []chain.StorageChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]chain.StorageChange, len(changes))
	copy(cp, changes)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

// TestRunFlushesOnceBlockBecomesAvailable confirms the working set
// drains once its referenced block is no longer missing.
func TestRunFlushesOnceBlockBecomesAvailable(t *testing.T) {
	q := newFakeQuerier(10)
	sink := &fakeSink{}
	w := New(q, sink, 5*time.Millisecond, time.Hour)

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.markPresent(10)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := w.Run(ctx, []chain.StorageChange{{BlockNum: 10}})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count())
}

// TestRunReturnsImmediatelyWhenNothingMissing confirms an all-ready
// batch flushes on the very first probe without sleeping.
func TestRunReturnsImmediatelyWhenNothingMissing(t *testing.T) {
	q := newFakeQuerier() // nothing missing
	sink := &fakeSink{}
	w := New(q, sink, time.Hour, time.Hour)

	done := make(chan struct{})
	go func() {
		err := w.Run(context.Background(), []chain.StorageChange{{BlockNum: 1}, {BlockNum: 2}})
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly when nothing was missing")
	}
	require.Equal(t, 2, sink.count())
}

// TestRunDropsEntriesPastMaxAge confirms an entry that never resolves
// is dropped, not retried forever, once it exceeds MaxAge.
func TestRunDropsEntriesPastMaxAge(t *testing.T) {
	q := newFakeQuerier(99) // stays missing forever
	sink := &fakeSink{}
	w := New(q, sink, 5*time.Millisecond, 10*time.Millisecond)

	start := time.Now()
	w.now = func() time.Time { return start }

	done := make(chan struct{})
	go func() {
		err := w.Run(context.Background(), []chain.StorageChange{{BlockNum: 99}})
		require.NoError(t, err)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	w.now = func() time.Time { return start.Add(time.Hour) }

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run never terminated after the entry aged out")
	}
	require.Equal(t, 0, sink.count())
}

// TestRunPartitionsReadyFromPending confirms a mixed batch only
// flushes the entries whose blocks are no longer missing, keeping the
// rest pending for the next probe.
func TestRunPartitionsReadyFromPending(t *testing.T) {
	q := newFakeQuerier(5) // only block 5 is missing
	sink := &fakeSink{}
	w := New(q, sink, 5*time.Millisecond, time.Hour)

	go func() {
		time.Sleep(15 * time.Millisecond)
		q.markPresent(5)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := w.Run(ctx, []chain.StorageChange{{BlockNum: 1}, {BlockNum: 5}})
	require.NoError(t, err)

	require.Equal(t, 2, sink.count())
	require.True(t, q.callCount() >= 2, "expected at least one retry probe")
}

// TestRunReturnsCtxErrOnCancelWhileSleeping confirms the worker exits
// promptly, propagating ctx.Err, when canceled mid-backoff.
func TestRunReturnsCtxErrOnCancelWhileSleeping(t *testing.T) {
	q := newFakeQuerier(1)
	sink := &fakeSink{}
	w := New(q, sink, time.Hour, time.Hour) // long poll period

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, []chain.StorageChange{{BlockNum: 1}}) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not observe cancellation while sleeping")
	}
}

// TestRunSurvivesQuerierErrorsAndKeepsRetrying confirms a probe error
// is logged rather than returned: Run keeps polling until the entry
// ages out past MaxAge, then returns nil with nothing inserted.
func TestRunSurvivesQuerierErrorsAndKeepsRetrying(t *testing.T) {
	sink := &fakeSink{}
	w := New(erroringQuerier{}, sink, 5*time.Millisecond, 20*time.Millisecond)

	err := w.Run(context.Background(), []chain.StorageChange{{BlockNum: 1}})
	require.NoError(t, err)
	require.Equal(t, 0, sink.count())
}
