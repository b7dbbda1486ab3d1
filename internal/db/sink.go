// Package db implements the database sink: a pooled connection to the
// relational store and a polymorphic insert operation dispatched by
// item kind, built on database/sql with the jackc/pgx/v5 stdlib
// driver.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/jakehemmerle/substrate-archive-go/internal/archiveerr"
	"github.com/jakehemmerle/substrate-archive-go/internal/chain"
	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
)

// Execer is the subset of *sql.DB this package needs, factored out so
// tests can substitute a fake without a live Postgres instance.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// QueryExecer additionally supports reading rows back, needed by
// MissingBlockNumbers's anti-join. *sql.DB satisfies this; fakes that
// only need to test inserts can implement Execer alone.
type QueryExecer interface {
	Execer
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Sink owns the connection pool and performs all inserts for the
// blocks, storage, and metadata tables, single-row or batched.
type Sink struct {
	conn        Execer
	maxParamCap int
	logger      *logging.Logger
}

// Open connects to dsn and sizes the pool (min 16, max 32 connections
// by default). The raw *sql.DB is also returned so callers can run
// schema migrations against it before traffic starts.
func Open(dsn string, minConns, maxConns int32) (*Sink, *sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 32
	}
	conn.SetMaxOpenConns(int(maxConns))
	conn.SetMaxIdleConns(int(minConns))
	return &Sink{conn: conn, maxParamCap: defaultMaxParams, logger: logging.GetLogger("db")}, conn, nil
}

// NewWithExecer builds a Sink over an arbitrary Execer (used by tests
// to assert on the exact SQL/args a given insert produces).
func NewWithExecer(conn Execer, maxParamCap int) *Sink {
	if maxParamCap <= 0 {
		maxParamCap = defaultMaxParams
	}
	return &Sink{conn: conn, maxParamCap: maxParamCap, logger: logging.GetLogger("db")}
}

// InsertBlock inserts a single block. ON CONFLICT DO NOTHING makes
// this idempotent: replaying a block is a no-op.
func (s *Sink) InsertBlock(ctx context.Context, b chain.Block) error {
	s.logger.Trace("inserting single block", "block", b)
	const stmt = `
		INSERT INTO blocks (parent_hash, hash, block_num, state_root, extrinsics_root, digest, ext, spec)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
	`
	_, err := s.conn.ExecContext(ctx, stmt,
		b.ParentHash[:], b.Hash[:], b.Number, b.StateRoot[:], b.ExtrinsicsRoot[:], b.Digest, b.Extrinsics, b.SpecVersion)
	return classifyDBErr(err)
}

// InsertBlockBatch inserts a batch of blocks in as few round trips as
// the parameter cap allows. An empty batch is a legal no-op.
func (s *Sink) InsertBlockBatch(ctx context.Context, blocks chain.BatchBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	s.logger.Info("inserting block batch", "count", len(blocks))
	bb := newBatchBuilder(
		`INSERT INTO blocks (parent_hash, hash, block_num, state_root, extrinsics_root, digest, ext, spec) VALUES `,
		` ON CONFLICT DO NOTHING`,
		8, s.maxParamCap, s.execStmt,
	)
	for _, b := range blocks {
		if err := bb.addTuple(ctx, b.ParentHash[:], b.Hash[:], b.Number, b.StateRoot[:], b.ExtrinsicsRoot[:], b.Digest, b.Extrinsics, b.SpecVersion); err != nil {
			return classifyDBErr(err)
		}
	}
	return classifyDBErr(bb.flush(ctx))
}

// storageUpsertSuffix is shared between the single and batched storage
// inserts. Always uses pgx's native "$1..$N" placeholder syntax. See
// TestStorageInsertSQLUsesDollarPlaceholders.
const storageUpsertSuffix = `
	ON CONFLICT (hash, key, md5(storage)) DO UPDATE SET
		hash = EXCLUDED.hash,
		key = EXCLUDED.key,
		storage = EXCLUDED.storage,
		is_full = EXCLUDED.is_full
`

// InsertStorageChange inserts a single storage row. ON CONFLICT DO
// UPDATE on (hash, key, md5(storage)) makes replay idempotent: the row
// converges to the latest write rather than erroring.
func (s *Sink) InsertStorageChange(ctx context.Context, c chain.StorageChange) error {
	s.logger.Trace("inserting single storage change", "change", c)
	stmt := `
		INSERT INTO storage (block_num, hash, is_full, key, storage)
		VALUES ($1, $2, $3, $4, $5)
	` + storageUpsertSuffix
	_, err := s.conn.ExecContext(ctx, stmt, c.BlockNum, c.BlockHash[:], c.IsFull, c.Key, c.Value)
	return classifyDBErr(err)
}

// InsertStorageBatch inserts a batch of storage rows, flushing on the
// same parameter cap as block batches.
func (s *Sink) InsertStorageBatch(ctx context.Context, changes []chain.StorageChange) error {
	if len(changes) == 0 {
		return nil
	}
	s.logger.Info("inserting storage batch", "count", len(changes))
	bb := newBatchBuilder(
		`INSERT INTO storage (block_num, hash, is_full, key, storage) VALUES `,
		storageUpsertSuffix,
		5, s.maxParamCap, s.execStmt,
	)
	for _, c := range changes {
		if err := bb.addTuple(ctx, c.BlockNum, c.BlockHash[:], c.IsFull, c.Key, c.Value); err != nil {
			return classifyDBErr(err)
		}
	}
	return classifyDBErr(bb.flush(ctx))
}

// InsertMetadata inserts the runtime metadata blob for a spec version.
// ON CONFLICT DO NOTHING: the first writer for a spec version wins,
// replays are no-ops.
func (s *Sink) InsertMetadata(ctx context.Context, m chain.Metadata) error {
	s.logger.Info("inserting metadata", "spec_version", m.SpecVersion)
	const stmt = `
		INSERT INTO metadata (version, meta)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	_, err := s.conn.ExecContext(ctx, stmt, m.SpecVersion, m.Blob)
	return classifyDBErr(err)
}

// MissingBlockNumbers reports which block numbers in [lo, hi] have no
// corresponding row in blocks yet, used by the deferred-storage worker
// to decide which held rows are now safe to insert. s.conn must
// support QueryContext; that holds for every *Sink built by Open.
func (s *Sink) MissingBlockNumbers(ctx context.Context, lo, hi uint32) (map[uint32]bool, error) {
	qe, ok := s.conn.(QueryExecer)
	if !ok {
		return nil, fmt.Errorf("db: sink connection does not support queries")
	}
	const stmt = `
		SELECT gs.n
		FROM generate_series($1, $2) AS gs(n)
		LEFT JOIN blocks b ON b.block_num = gs.n
		WHERE b.block_num IS NULL
	`
	rows, err := qe.QueryContext(ctx, stmt, lo, hi)
	if err != nil {
		return nil, classifyDBErr(err)
	}
	defer rows.Close()

	missing := make(map[uint32]bool)
	for rows.Next() {
		var n uint32
		if err := rows.Scan(&n); err != nil {
			return nil, classifyDBErr(err)
		}
		missing[n] = true
	}
	return missing, classifyDBErr(rows.Err())
}

func (s *Sink) execStmt(ctx context.Context, stmt string, args []interface{}) error {
	_, err := s.conn.ExecContext(ctx, stmt, args...)
	return err
}

// classifyDBErr tags a raw database/sql error as transient (retryable
// by the caller) so upstream actors can apply archiveerr.Retry.
func classifyDBErr(err error) error {
	if err == nil {
		return nil
	}
	return archiveerr.Classify(archiveerr.KindTransient, err)
}
