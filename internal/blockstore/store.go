// Package blockstore wraps the local, read-only block-body backend.
// This repo only reads from it; population is the responsibility of an
// external writer. Backed by badger, keyed by big-endian block number.
package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
)

// Store is a read-only view over a badger database populated
// out-of-process with finalized block bodies.
type Store struct {
	db *badger.DB
}

// Open opens the badger database at path in read-only mode.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithReadOnly(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func key(number uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], number)
	return k[:]
}

// Block looks up the full block body by number. A missing body is
// reported via the ok return, not an error: a caller one block ahead
// of the local store is a routine, non-fatal condition.
func (s *Store) Block(number uint32) (blk chain.Block, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(key(number))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		ok = true
		return item.Value(func(val []byte) error {
			return chain.UnmarshalCBOR(val, &blk)
		})
	})
	if err != nil {
		return chain.Block{}, false, fmt.Errorf("blockstore: get %d: %w", number, err)
	}
	return blk, ok, nil
}
