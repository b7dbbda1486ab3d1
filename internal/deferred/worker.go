// Package deferred implements the deferred-storage worker: storage
// rows whose referenced block hasn't been indexed yet are held here
// and retried until their block appears.
package deferred

import (
	"context"
	"sort"
	"time"

	"github.com/jakehemmerle/substrate-archive-go/internal/archiveerr"
	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
	"github.com/jakehemmerle/substrate-archive-go/internal/metrics"
)

// MissingBlocksQuerier resolves which block numbers in [lo, hi] are
// absent from the blocks table.
type MissingBlocksQuerier interface {
	MissingBlockNumbers(ctx context.Context, lo, hi uint32) (map[uint32]bool, error)
}

// StorageBatchSink is the subset of the database sink this worker
// needs: sending a ready batch of storage rows onward.
type StorageBatchSink interface {
	InsertStorageBatch(ctx context.Context, changes []chain.StorageChange) error
}

// Worker holds a working set of pending storage changes and
// periodically retries until their referencing blocks show up, or
// until an entry exceeds MaxAge — the bound that keeps an otherwise
// unbounded retry loop from holding rows forever.
type Worker struct {
	queries MissingBlocksQuerier
	sink    StorageBatchSink
	logger  *logging.Logger

	pollPeriod time.Duration
	maxAge     time.Duration

	now func() time.Time
}

type pendingEntry struct {
	change    chain.StorageChange
	deferredAt time.Time
}

// New constructs a deferred-storage worker. now defaults to
// time.Now; tests may override it for deterministic max-age behavior.
func New(queries MissingBlocksQuerier, sink StorageBatchSink, pollPeriod, maxAge time.Duration) *Worker {
	return &Worker{
		queries:    queries,
		sink:       sink,
		logger:     logging.GetLogger("deferred"),
		pollPeriod: pollPeriod,
		maxAge:     maxAge,
		now:        time.Now,
	}
}

// Run holds storage onto an internal working set and retries it until
// every entry has either been made ready and flushed, or dropped for
// exceeding MaxAge. It returns once the working set is empty.
func (w *Worker) Run(ctx context.Context, storage []chain.StorageChange) error {
	now := w.now()
	pending := make([]pendingEntry, 0, len(storage))
	for _, s := range storage {
		pending = append(pending, pendingEntry{change: s, deferredAt: now})
	}

	w.logger.Info("deferring storage entries", "count", len(pending))

	for len(pending) > 0 {
		metrics.DeferredQueueDepth.Set(float64(len(pending)))

		pending = w.dropExpired(pending)
		if len(pending) == 0 {
			break
		}

		ready, remaining, err := w.probe(ctx, pending)
		if err != nil {
			w.logger.Error("failed to probe missing blocks", "err", err)
		} else if len(ready) > 0 {
			w.logger.Info("inserting deferred storage entries", "count", len(ready))
			if err := w.sink.InsertStorageBatch(ctx, ready); err != nil {
				w.logger.Error("failed to insert deferred storage", "err", err)
			} else {
				pending = remaining
			}
		}

		if len(pending) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollPeriod):
		}
	}

	metrics.DeferredQueueDepth.Set(0)
	return nil
}

// dropExpired removes entries older than MaxAge, counting them as
// dropped rather than retrying forever.
func (w *Worker) dropExpired(pending []pendingEntry) []pendingEntry {
	if w.maxAge <= 0 {
		return pending
	}
	now := w.now()
	kept := pending[:0:0]
	for _, p := range pending {
		if now.Sub(p.deferredAt) > w.maxAge {
			w.logger.Warn("dropping deferred storage entry past max age", "block_num", p.change.BlockNum)
			metrics.DeferredDropped.Inc()
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// probe computes [min_bn, max_bn] over the working set, queries for
// still-missing block numbers in that range, and partitions the
// working set into ready (no longer missing) and still-pending.
func (w *Worker) probe(ctx context.Context, pending []pendingEntry) (ready []chain.StorageChange, remaining []pendingEntry, err error) {
	lo, hi := boundsOf(pending)
	missing, err := w.queries.MissingBlockNumbers(ctx, lo, hi)
	if err != nil {
		return nil, pending, archiveerr.Classify(archiveerr.KindTransient, err)
	}

	for _, p := range pending {
		if missing[p.change.BlockNum] {
			remaining = append(remaining, p)
		} else {
			ready = append(ready, p.change)
		}
	}
	return ready, remaining, nil
}

func boundsOf(pending []pendingEntry) (lo, hi uint32) {
	nums := make([]uint32, len(pending))
	for i, p := range pending {
		nums[i] = p.change.BlockNum
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums[0], nums[len(nums)-1]
}
