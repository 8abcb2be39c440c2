package compaction

import (
	"context"

	"github.com/INLOpen/rawbatch/core"
)

// Source is a replayable sequence of ledger entries. Every Open must yield
// the same entries in the same order, since the compactor reads it twice.
type Source interface {
	// Name identifies the source in logs and hook payloads.
	Name() string
	Open(ctx context.Context) (Reader, error)
}

// Reader iterates the entries of a Source. Next returns io.EOF after the
// last entry. The caller owns every returned message and must Close it.
type Reader interface {
	Next(ctx context.Context) (*core.RawMessage, error)
	Close() error
}

// Writer receives the compacted entries in source order. Append does not take
// ownership of msg; the compactor closes it once Append returns.
type Writer interface {
	Append(ctx context.Context, msg *core.RawMessage) error
}
