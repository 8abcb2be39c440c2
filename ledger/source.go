package ledger

import (
	"context"

	"github.com/INLOpen/rawbatch/compaction"
)

// FileSource replays a segment file for the compactor.
type FileSource struct {
	Path string
}

var _ compaction.Source = FileSource{}
var _ compaction.Writer = (*SegmentWriter)(nil)

func (s FileSource) Name() string { return s.Path }

// Open opens a fresh reader positioned at the first record.
func (s FileSource) Open(ctx context.Context) (compaction.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := OpenSegment(s.Path)
	if err != nil {
		return nil, err
	}
	return r, nil
}
