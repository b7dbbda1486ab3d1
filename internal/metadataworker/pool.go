// Package metadataworker ensures a block's spec_version has a
// metadata row before forwarding the block to the database sink.
package metadataworker

import (
	"context"
	"sync"
	"time"

	"github.com/jakehemmerle/substrate-archive-go/internal/archiveerr"
	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
	"github.com/jakehemmerle/substrate-archive-go/internal/metrics"
	"github.com/jakehemmerle/substrate-archive-go/internal/workerpool"
)

// MetadataFetcher fetches the runtime metadata blob for a spec
// version from the node.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, specVersion uint32) ([]byte, error)
}

// MetadataInserter persists a Metadata row, the only other thing this
// pool needs from the database sink.
type MetadataInserter interface {
	InsertMetadata(ctx context.Context, m chain.Metadata) error
}

// BlockSink is where blocks are forwarded once their metadata is known
// to exist: no block reaches it unless its spec_version's metadata row
// exists.
type BlockSink interface {
	InsertBlock(ctx context.Context, b chain.Block) error
}

// Pool holds a single, shared-behind-a-lock cache of spec versions
// known to exist, chosen over a per-worker cache because it minimizes
// duplicate RPC fetches across the worker pool; the underlying DB
// insert is idempotent regardless, so a duplicate fetch costs latency,
// not correctness.
type Pool struct {
	fetcher MetadataFetcher
	inserts MetadataInserter
	blocks  BlockSink
	logger  *logging.Logger

	pool *workerpool.Pool

	seenMu sync.Mutex
	seen   map[uint32]bool

	fetchTimeout time.Duration
}

// New constructs a metadata worker pool of n workers.
func New(fetcher MetadataFetcher, inserts MetadataInserter, blocks BlockSink, n int) *Pool {
	return &Pool{
		fetcher:      fetcher,
		inserts:      inserts,
		blocks:       blocks,
		logger:       logging.GetLogger("metadataworker"),
		pool:         workerpool.New("metadata", n),
		seen:         make(map[uint32]bool),
		fetchTimeout: 30 * time.Second,
	}
}

// Stop drains and stops the underlying worker pool.
func (p *Pool) Stop() { p.pool.Stop() }

// Submit enqueues a block for metadata-then-forward processing.
func (p *Pool) Submit(ctx context.Context, b chain.Block) {
	p.pool.Submit(func() { p.process(ctx, b) })
}

// SubmitBatch enqueues an entire batch as one job per block, so the
// blocks are spread across the workers. A first-sight metadata fetch
// holds the shared cache lock, so other workers wait for it to finish.
func (p *Pool) SubmitBatch(ctx context.Context, batch chain.BatchBlock) {
	for _, b := range batch {
		p.Submit(ctx, b)
	}
}

func (p *Pool) process(ctx context.Context, b chain.Block) {
	if err := p.ensureMetadata(ctx, b.SpecVersion); err != nil {
		p.logger.Error("failed to ensure metadata, dropping block", "block", b, "err", err)
		return
	}
	if err := p.blocks.InsertBlock(ctx, b); err != nil {
		p.logger.Error("failed to insert block", "block", b, "err", err)
	}
}

func (p *Pool) ensureMetadata(ctx context.Context, specVersion uint32) error {
	// The lock is held across fetch-and-insert so that workers racing on
	// a new spec version wait for the first one instead of fetching too.
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	if p.seen[specVersion] {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	var blob []byte
	err := archiveerr.Retry(fetchCtx, p.fetchTimeout, func() error {
		var ferr error
		blob, ferr = p.fetcher.FetchMetadata(fetchCtx, specVersion)
		return ferr
	})
	if err != nil {
		metrics.MetadataFetches.WithLabelValues("error").Inc()
		return err
	}
	metrics.MetadataFetches.WithLabelValues("ok").Inc()

	if err := p.inserts.InsertMetadata(ctx, chain.Metadata{SpecVersion: specVersion, Blob: blob}); err != nil {
		return err
	}

	p.seen[specVersion] = true
	return nil
}
