package aggregator

import (
	"context"
	"sync"

	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
)

// fakeMetadataSink records every batch submitted to it, standing in
// for metadataworker.Pool.
type fakeMetadataSink struct {
	mu      sync.Mutex
	batches []chain.BatchBlock
}

func (f *fakeMetadataSink) SubmitBatch(_ context.Context, batch chain.BatchBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(chain.BatchBlock, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
}

func (f *fakeMetadataSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

// fakeStorageSink records every storage batch inserted, standing in
// for db.Sink's InsertStorageBatch.
type fakeStorageSink struct {
	mu      sync.Mutex
	batches [][]chain.StorageChange
}

func (f *fakeStorageSink) InsertStorageBatch(_ context.Context, changes []chain.StorageChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]chain.StorageChange, len(changes))
	copy(cp, changes)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStorageSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

// fakeBlocksQuerier reports every block number in present as
// present; everything else is reported missing.
type fakeBlocksQuerier struct {
	present map[uint32]bool
}

func (f *fakeBlocksQuerier) MissingBlockNumbers(_ context.Context, lo, hi uint32) (map[uint32]bool, error) {
	missing := make(map[uint32]bool)
	for n := lo; n <= hi; n++ {
		if !f.present[n] {
			missing[n] = true
		}
	}
	return missing, nil
}

// fakeDeferredRunner records every batch handed to it by the
// aggregator, standing in for deferred.Worker.
type fakeDeferredRunner struct {
	mu      sync.Mutex
	batches [][]chain.StorageChange
}

func (f *fakeDeferredRunner) Run(_ context.Context, storage []chain.StorageChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]chain.StorageChange, len(storage))
	copy(cp, storage)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeDeferredRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}
