// Package chain defines the data model shared by every component of
// the indexing pipeline: Block, BatchBlock, StorageChange, and
// Metadata, matching the row shapes of the database sink.
package chain

import (
	"encoding/hex"
	"fmt"
)

// Hash is an opaque 32-byte block/state/extrinsics-root hash.
type Hash [32]byte

// String renders a truncated hex form suitable for trace logging.
func (h Hash) String() string {
	s := hex.EncodeToString(h[:])
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}

// Block is a single finalized, enriched block ready for persistence.
// Immutable after construction; produced by the finalized-head source
// with SpecVersion already set, and forwarded unchanged by the metadata
// worker pool.
type Block struct {
	Number         uint32
	Hash           Hash
	ParentHash     Hash
	StateRoot      Hash
	ExtrinsicsRoot Hash
	Digest         []byte
	Extrinsics     []byte
	SpecVersion    uint32
}

func (b Block) String() string {
	return fmt.Sprintf("Block{number=%d hash=%s spec=%d}", b.Number, b.Hash, b.SpecVersion)
}

// BatchBlock is an ordered sequence of Block treated as a single
// insertion unit. An empty batch is legal and is dropped by callers
// before reaching the database sink.
type BatchBlock []Block

// StorageChange is a single storage key mutation produced by the
// storage-diff compute pool.
type StorageChange struct {
	BlockNum  uint32
	BlockHash Hash
	Key       []byte
	// Value is nil when the change represents a deletion.
	Value  []byte
	IsFull bool
}

func (s StorageChange) String() string {
	return fmt.Sprintf("StorageChange{block_num=%d key=%x is_full=%t}", s.BlockNum, s.Key, s.IsFull)
}

// Metadata is the raw runtime metadata blob for a given spec version,
// keyed by SpecVersion; one row per version ever observed.
type Metadata struct {
	SpecVersion uint32
	Blob        []byte
}

// BlockDataKind discriminates the two shapes a BlockData message can
// take on the external compute-pool channel.
type BlockDataKind int

const (
	BlockDataSingle BlockDataKind = iota
	BlockDataBatch
)

// BlockData is the message the aggregator sends on the external
// compute-pool channel to trigger the storage-diff producer for a
// block or batch of blocks.
type BlockData struct {
	Kind  BlockDataKind
	Block Block
	Batch BatchBlock
}

// SingleBlockData wraps a single block for the compute-pool channel.
func SingleBlockData(b Block) BlockData {
	return BlockData{Kind: BlockDataSingle, Block: b}
}

// BatchBlockData wraps a batch of blocks for the compute-pool channel.
func BatchBlockData(b BatchBlock) BlockData {
	return BlockData{Kind: BlockDataBatch, Batch: b}
}

