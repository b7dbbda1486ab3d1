// Package aggregator buffers incoming blocks and storage changes on
// two unbounded internal queues fed by independent producers, and
// drains both on a fixed tick into a single combined dispatch to the
// metadata and storage sinks.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/channels"

	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
	"github.com/jakehemmerle/substrate-archive-go/internal/metrics"
)

// MetadataSink is where the aggregator sends block batches for
// metadata enrichment.
type MetadataSink interface {
	SubmitBatch(ctx context.Context, batch chain.BatchBlock)
}

// StorageSink is where the aggregator sends storage batches.
type StorageSink interface {
	InsertStorageBatch(ctx context.Context, changes []chain.StorageChange) error
}

// MissingBlocksQuerier is the upstream check performed before a
// storage batch reaches the sink: rows referencing a block_num not yet
// in blocks get routed to the deferred-storage worker instead of
// inserted directly.
type MissingBlocksQuerier interface {
	MissingBlockNumbers(ctx context.Context, lo, hi uint32) (map[uint32]bool, error)
}

// DeferredRunner hands a batch of not-yet-insertable storage rows to
// the deferred-storage worker, which owns them until their blocks show
// up or they age out.
type DeferredRunner interface {
	Run(ctx context.Context, storage []chain.StorageChange) error
}

// Aggregator is the single logical actor owning the block and storage
// work queues.
type Aggregator struct {
	logger *logging.Logger

	blockQueue   *channels.InfiniteChannel
	storageQueue *channels.InfiniteChannel

	// computeOut is the external compute-pool channel: every
	// Block/BatchBlock handled is also forwarded here to trigger the
	// storage-diff producer.
	computeOut chan<- chain.BlockData

	metadataSink MetadataSink
	storageSink  StorageSink
	blocksQuery  MissingBlocksQuerier
	deferred     DeferredRunner

	tickInterval time.Duration

	lastCountWasZero bool

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	quitCh    chan struct{}
	quitOnce  sync.Once
}

// New constructs an Aggregator. computeOut may be nil in tests that
// don't care about the storage-diff trigger side effect.
func New(metadataSink MetadataSink, storageSink StorageSink, blocksQuery MissingBlocksQuerier, deferred DeferredRunner, computeOut chan<- chain.BlockData, tickInterval time.Duration) *Aggregator {
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		logger:       logging.GetLogger("aggregator"),
		blockQueue:   channels.NewInfiniteChannel(),
		storageQueue: channels.NewInfiniteChannel(),
		computeOut:   computeOut,
		metadataSink: metadataSink,
		storageSink:  storageSink,
		blocksQuery:  blocksQuery,
		deferred:     deferred,
		tickInterval: tickInterval,
		ctx:          ctx,
		ctxCancel:    cancel,
		quitCh:       make(chan struct{}),
	}
}

// Name satisfies actor.Actor.
func (a *Aggregator) Name() string { return "aggregator" }

// Start launches the tick-driven drain loop.
func (a *Aggregator) Start() error {
	a.wg.Add(1)
	go a.run()
	return nil
}

// Stop requests a clean shutdown; in-flight tick processing completes
// before the actor exits.
func (a *Aggregator) Stop() { a.ctxCancel() }

// Quit satisfies actor.Actor.
func (a *Aggregator) Quit() <-chan struct{} { return a.quitCh }

// HandleStorageChange enqueues a storage change for the next tick.
func (a *Aggregator) HandleStorageChange(s chain.StorageChange) {
	a.storageQueue.In() <- s
}

// HandleBlock enqueues a block and also forwards it on the external
// compute-pool channel to trigger diff computation.
func (a *Aggregator) HandleBlock(b chain.Block) {
	a.sendCompute(chain.SingleBlockData(b))
	a.blockQueue.In() <- b
}

// HandleBatchBlock enqueues every block in the batch individually and
// forwards the whole batch on the compute-pool channel as one message.
func (a *Aggregator) HandleBatchBlock(batch chain.BatchBlock) {
	a.sendCompute(chain.BatchBlockData(batch))
	for _, b := range batch {
		a.blockQueue.In() <- b
	}
}

// sendCompute is a non-blocking best-effort send: the compute pool is
// an external collaborator whose absence or slowness must not stall
// the aggregator.
func (a *Aggregator) sendCompute(data chain.BlockData) {
	if a.computeOut == nil {
		return
	}
	select {
	case a.computeOut <- data:
	default:
	}
}

func (a *Aggregator) run() {
	defer a.wg.Done()
	defer a.blockQueue.Close()
	defer a.storageQueue.Close()
	defer close(a.quitCh)

	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

// tick drains both queues atomically (bounded by what's present at
// tick start) and dispatches the combined result.
func (a *Aggregator) tick() {
	blocks := a.drainBlocks()
	storage := a.drainStorage()

	metrics.BlocksIndexedPerTick.Set(float64(len(blocks)))
	metrics.StoragePerTick.Set(float64(len(storage)))

	b, s := len(blocks), len(storage)
	switch {
	case b == 0 && s == 0:
		if !a.lastCountWasZero {
			a.logger.Info("waiting on node, nothing left to index")
			a.lastCountWasZero = true
		}
	case b > 0 && s == 0:
		a.metadataSink.SubmitBatch(a.ctx, chain.BatchBlock(blocks))
		a.logger.Info("indexing progress", "blocks_per_tick", b)
		a.lastCountWasZero = false
	case b == 0 && s > 0:
		a.dispatchStorage(storage)
		a.logger.Info("indexing progress", "storage_per_tick", s)
		a.lastCountWasZero = false
	default:
		a.dispatchStorage(storage)
		a.metadataSink.SubmitBatch(a.ctx, chain.BatchBlock(blocks))
		a.logger.Info("indexing progress", "blocks_per_tick", b, "storage_per_tick", s)
		a.lastCountWasZero = false
	}
}

// dispatchStorage is the upstream referential-integrity check: rows
// whose block_num is not yet in blocks are routed to the
// deferred-storage worker instead of inserted. When no querier is set,
// or the missing-blocks query fails, the whole batch goes to the sink
// unchecked.
func (a *Aggregator) dispatchStorage(storage []chain.StorageChange) {
	ready, pending := storage, []chain.StorageChange(nil)

	if a.blocksQuery != nil {
		lo, hi := storageBounds(storage)
		missing, err := a.blocksQuery.MissingBlockNumbers(a.ctx, lo, hi)
		if err != nil {
			a.logger.Warn("failed to check for missing blocks, inserting storage directly", "err", err)
		} else {
			ready = ready[:0]
			for _, c := range storage {
				if missing[c.BlockNum] {
					pending = append(pending, c)
				} else {
					ready = append(ready, c)
				}
			}
		}
	}

	if len(ready) > 0 {
		if err := a.storageSink.InsertStorageBatch(a.ctx, ready); err != nil {
			a.logger.Error("failed to insert storage batch", "err", err)
		}
	}
	if len(pending) > 0 && a.deferred != nil {
		a.logger.Info("deferring storage entries with unindexed blocks", "count", len(pending))
		go func() {
			if err := a.deferred.Run(a.ctx, pending); err != nil {
				a.logger.Error("deferred-storage worker stopped with error", "err", err)
			}
		}()
	}
}

func storageBounds(storage []chain.StorageChange) (lo, hi uint32) {
	lo, hi = storage[0].BlockNum, storage[0].BlockNum
	for _, c := range storage[1:] {
		if c.BlockNum < lo {
			lo = c.BlockNum
		}
		if c.BlockNum > hi {
			hi = c.BlockNum
		}
	}
	return lo, hi
}

func (a *Aggregator) drainBlocks() []chain.Block {
	n := a.blockQueue.Len()
	out := make([]chain.Block, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, (<-a.blockQueue.Out()).(chain.Block))
	}
	return out
}

func (a *Aggregator) drainStorage() []chain.StorageChange {
	n := a.storageQueue.Len()
	out := make([]chain.StorageChange, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, (<-a.storageQueue.Out()).(chain.StorageChange))
	}
	return out
}
