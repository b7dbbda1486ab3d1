// Package archiveerr implements the error taxonomy and retry policy
// shared across the pipeline: transient network/database errors retry
// with bounded exponential backoff, data-absence and referential-
// absence errors are handled locally by the caller, and fatal errors
// propagate up to stop the owning actor.
package archiveerr

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Kind classifies an error into the pipeline's error taxonomy.
type Kind int

const (
	// KindTransient covers RPC disconnects, fetch timeouts, connection
	// acquire failures, and deadlocks: retry, then surface.
	KindTransient Kind = iota
	// KindDataAbsence covers a missing block body for an announced
	// head: non-fatal, log and drop.
	KindDataAbsence
	// KindReferentialAbsence covers storage referencing a block that
	// doesn't exist yet: route to the deferred-storage worker.
	KindReferentialAbsence
	// KindChannelClosed covers a downstream actor having stopped:
	// the current actor should stop cleanly.
	KindChannelClosed
	// KindFatal covers schema mismatches, auth failures, and
	// unrecognized message kinds: log and terminate the process.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindDataAbsence:
		return "data_absence"
	case KindReferentialAbsence:
		return "referential_absence"
	case KindChannelClosed:
		return "channel_closed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classified wraps an error with a Kind so callers up the stack can
// branch on the taxonomy without re-deriving it.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Kind.String() + ": " + c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with the given Kind. A nil err yields a nil result.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// KindOf extracts the Kind from a Classified error, defaulting to
// KindFatal for errors that were never classified (fail closed).
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return KindFatal
}

// Retry runs op with exponential backoff (bounded by maxElapsed) until
// it succeeds, ctx is canceled, or the budget is exhausted. Intended
// for KindTransient failures: retry with exponential backoff up to a
// bound, then surface.
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransient {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
