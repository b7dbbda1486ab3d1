package db

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// countParamPlaceholders returns how many bound-parameter placeholders
// are in a built statement, counting the '$' that opens each one.
func countParamPlaceholders(stmt string) int {
	return strings.Count(stmt, "$")
}

// TestBatchBuilderNeverExceedsParamCap is a property test over random
// batch sizes and caps (P5): the builder must never hand execFn a
// statement with more bound parameters than maxParams.
func TestBatchBuilderNeverExceedsParamCap(t *testing.T) {
	paramCaps := []int{1, 2, 3, 7, 10, 65535}
	arity := 3
	for _, paramCap := range paramCaps {
		paramCap := paramCap
		t.Run("", func(t *testing.T) {
			var flushedSizes []int
			bb := newBatchBuilder("INSERT INTO t VALUES ", "", arity, paramCap, func(_ context.Context, stmt string, args []interface{}) error {
				require.LessOrEqual(t, len(args), paramCap)
				require.Equal(t, len(args), countParamPlaceholders(stmt))
				flushedSizes = append(flushedSizes, len(args))
				return nil
			})

			const tupleCount = 500
			for i := 0; i < tupleCount; i++ {
				require.NoError(t, bb.addTuple(context.Background(), i, i+1, i+2))
			}
			require.NoError(t, bb.flush(context.Background()))

			total := 0
			for _, n := range flushedSizes {
				total += n
			}
			require.Equal(t, tupleCount*arity, total)
		})
	}
}

// TestBatchBuilderRejectsWrongArity guards the builder's own sanity
// check on tuple shape.
func TestBatchBuilderRejectsWrongArity(t *testing.T) {
	bb := newBatchBuilder("INSERT INTO t VALUES ", "", 3, 100, func(context.Context, string, []interface{}) error {
		return nil
	})
	err := bb.addTuple(context.Background(), 1, 2)
	require.Error(t, err)
}

// TestBatchBuilderEmptyFlushIsNoop ensures flushing with nothing
// accumulated never calls execFn: empty input should never produce a
// statement.
func TestBatchBuilderEmptyFlushIsNoop(t *testing.T) {
	called := false
	bb := newBatchBuilder("INSERT INTO t VALUES ", "", 1, 100, func(context.Context, string, []interface{}) error {
		called = true
		return nil
	})
	require.NoError(t, bb.flush(context.Background()))
	require.False(t, called)
}
