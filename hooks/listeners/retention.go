package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/rawbatch/hooks"
)

var (
	// The expvars are global, so they are created once no matter how many
	// listeners are built.
	retentionMetricsOnce sync.Once
	slotsSeen            *expvar.Int
	slotsRetained        *expvar.Int
	entriesDropped       *expvar.Int
	rebatchFailures      *expvar.Int
)

func initRetentionMetrics() {
	retentionMetricsOnce.Do(func() {
		slotsSeen = expvar.NewInt("rawbatch_rebatch_slots_total")
		slotsRetained = expvar.NewInt("rawbatch_rebatch_slots_retained_total")
		entriesDropped = expvar.NewInt("rawbatch_rebatch_entries_dropped_total")
		rebatchFailures = expvar.NewInt("rawbatch_rebatch_failures_total")
		expvar.Publish("rawbatch_rebatch_retention_ratio", expvar.Func(func() interface{} {
			seen := slotsSeen.Value()
			if seen == 0 {
				return 0.0
			}
			return float64(slotsRetained.Value()) / float64(seen)
		}))
	})
}

// RetentionListener tracks how much of every rebatched batch survives.
type RetentionListener struct {
	logger *slog.Logger
	// A batch retaining less than this fraction is logged at info level.
	lowWatermark float64

	slotsSeen       *expvar.Int
	slotsRetained   *expvar.Int
	entriesDropped  *expvar.Int
	rebatchFailures *expvar.Int
}

// NewRetentionListener creates a new listener.
func NewRetentionListener(logger *slog.Logger, lowWatermark float64) *RetentionListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initRetentionMetrics()
	return &RetentionListener{
		logger:          logger.With("component", "RetentionListener"),
		lowWatermark:    lowWatermark,
		slotsSeen:       slotsSeen,
		slotsRetained:   slotsRetained,
		entriesDropped:  entriesDropped,
		rebatchFailures: rebatchFailures,
	}
}

// OnEvent is called when a PostRebatch event is triggered.
func (l *RetentionListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.PostRebatchPayload)
	if !ok {
		return nil
	}
	if payload.Error != nil {
		l.rebatchFailures.Add(1)
		l.logger.Warn("Rebatch failed", "entry", payload.EntryID.String(), "error", payload.Error)
		return nil
	}

	l.slotsSeen.Add(int64(payload.BatchSize))
	l.slotsRetained.Add(int64(payload.Retained))
	if payload.Dropped {
		l.entriesDropped.Add(1)
		l.logger.Debug("Entry fully compacted out", "entry", payload.EntryID.String(), "batch_size", payload.BatchSize)
		return nil
	}
	if payload.BatchSize > 0 && float64(payload.Retained)/float64(payload.BatchSize) < l.lowWatermark {
		l.logger.Info("Low batch retention",
			"entry", payload.EntryID.String(),
			"batch_size", payload.BatchSize,
			"retained", payload.Retained,
		)
	}
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *RetentionListener) Priority() int {
	return 100
}

// IsAsync indicates this listener can run in the background.
func (l *RetentionListener) IsAsync() bool {
	return true
}
