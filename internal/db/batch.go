// batch.go implements a parameterized SQL batch builder: accumulate
// value tuples into a single multi-row INSERT, flushing automatically
// whenever the next tuple would push the statement's bound-parameter
// count past the database's limit. Go's database/sql has no natural
// "reserve N parameters" step since placeholders are positional
// strings built up as we go, so this tracks the exact parameter count
// and builds the statement incrementally with a strings.Builder.
package db

import (
	"context"
	"fmt"
	"strings"
)

// defaultMaxParams is the per-statement bound-parameter cap used when
// a batchBuilder isn't given an explicit one; Postgres caps a single
// statement at 65535 bound parameters.
const defaultMaxParams = 65535

// batchBuilder assembles "($1,$2,$3),($4,$5,$6),..." tuples between a fixed
// prefix and suffix, flushing to execFn whenever appending the next
// tuple would exceed maxParams bound parameters.
type batchBuilder struct {
	prefix       string
	suffix       string
	tupleArity   int
	maxParams    int
	execFn       func(ctx context.Context, stmt string, args []interface{}) error

	sb        strings.Builder
	args      []interface{}
	tupleCnt  int
}

func newBatchBuilder(prefix, suffix string, tupleArity, maxParams int, execFn func(ctx context.Context, stmt string, args []interface{}) error) *batchBuilder {
	if maxParams <= 0 {
		maxParams = defaultMaxParams
	}
	return &batchBuilder{
		prefix:     prefix,
		suffix:     suffix,
		tupleArity: tupleArity,
		maxParams:  maxParams,
		execFn:     execFn,
	}
}

// addTuple appends one value-tuple, flushing first if adding it would
// exceed the parameter cap: the builder never emits a statement with
// more bound parameters than the cap.
func (b *batchBuilder) addTuple(ctx context.Context, values ...interface{}) error {
	if len(values) != b.tupleArity {
		return fmt.Errorf("batch: expected %d values, got %d", b.tupleArity, len(values))
	}
	if len(values) > b.maxParams {
		return fmt.Errorf("batch: tuple of %d values exceeds parameter cap %d", len(values), b.maxParams)
	}
	if len(b.args)+len(values) > b.maxParams {
		if err := b.flush(ctx); err != nil {
			return err
		}
	}
	if b.tupleCnt > 0 {
		b.sb.WriteByte(',')
	}
	b.sb.WriteByte('(')
	for i, v := range values {
		if i > 0 {
			b.sb.WriteByte(',')
		}
		b.sb.WriteByte('$')
		fmt.Fprintf(&b.sb, "%d", len(b.args)+1)
		b.args = append(b.args, v)
	}
	b.sb.WriteByte(')')
	b.tupleCnt++
	return nil
}

// flush executes whatever has been accumulated, in a single round
// trip, and resets the builder so it can accept more tuples.
func (b *batchBuilder) flush(ctx context.Context) error {
	if b.tupleCnt == 0 {
		return nil
	}
	stmt := b.prefix + b.sb.String() + b.suffix
	args := b.args
	b.sb.Reset()
	b.args = nil
	b.tupleCnt = 0
	return b.execFn(ctx, stmt, args)
}
