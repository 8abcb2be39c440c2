package compaction

import (
	"fmt"
	"time"

	"github.com/caio/go-tdigest/v4"

	"github.com/INLOpen/rawbatch/rawbatch"
)

// Stats summarizes one compaction run.
type Stats struct {
	// EntriesScanned counts entries seen by the key scan.
	EntriesScanned int
	UniqueKeys     int

	EntriesRead    int
	EntriesWritten int
	// EntriesDropped counts entries removed entirely, either skipped without
	// decoding or rebatched to nothing.
	EntriesDropped int

	BatchesRebatched     int
	MessagesRetained     int
	MessagesCompactedOut int

	Duration time.Duration

	// retention holds the retained/size ratio of every rebatched batch.
	retention *tdigest.TDigest
}

func newStats() (*Stats, error) {
	td, err := tdigest.New()
	if err != nil {
		return nil, fmt.Errorf("tdigest.New failed: %w", err)
	}
	return &Stats{retention: td}, nil
}

func (s *Stats) observeBatch(summary rawbatch.Summary) {
	s.BatchesRebatched++
	s.MessagesRetained += summary.Retained
	s.MessagesCompactedOut += summary.BatchSize - summary.Retained
	if summary.BatchSize > 0 {
		_ = s.retention.Add(float64(summary.Retained) / float64(summary.BatchSize))
	}
}

// RetentionQuantile returns the q-quantile (0..1) of the per-batch retention
// ratio. It is 0 when no non-empty batch was rebatched.
func (s *Stats) RetentionQuantile(q float64) float64 {
	if s.retention == nil || s.retention.Count() == 0 {
		return 0
	}
	return s.retention.Quantile(q)
}
