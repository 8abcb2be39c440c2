// Package compaction rewrites a ledger so that only the latest message of
// every key survives. It runs in two passes over a replayable Source: the
// first records the latest identity per key, the second drops superseded
// entries and rebatches the rest.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/rawbatch/core"
	"github.com/INLOpen/rawbatch/frame"
	"github.com/INLOpen/rawbatch/hooks"
	"github.com/INLOpen/rawbatch/rawbatch"
)

const (
	DefaultConcurrency = 4
	DefaultChunkSize   = 64
)

// Options configures a Compactor. Zero values select defaults.
type Options struct {
	// Concurrency bounds the number of entries rebatched at once.
	Concurrency int
	// ChunkSize is the number of entries read ahead before rebatching them.
	ChunkSize int
	// VerifyChecksum rejects entries whose CRC32C does not match.
	VerifyChecksum bool

	Converter   *rawbatch.Converter
	HookManager hooks.HookManager
	Metrics     *Metrics
	Logger      *slog.Logger
	Tracer      trace.Tracer
}

// Compactor runs compactions. It is safe for concurrent use on distinct
// sources.
type Compactor struct {
	concurrency    int
	chunkSize      int
	verifyChecksum bool

	converter *rawbatch.Converter
	hooks     hooks.HookManager
	metrics   *Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCompactor creates a Compactor.
func NewCompactor(opts Options) *Compactor {
	c := &Compactor{
		concurrency:    opts.Concurrency,
		chunkSize:      opts.ChunkSize,
		verifyChecksum: opts.VerifyChecksum,
		converter:      opts.Converter,
		hooks:          opts.HookManager,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
	}
	if c.concurrency <= 0 {
		c.concurrency = DefaultConcurrency
	}
	if c.chunkSize <= 0 {
		c.chunkSize = DefaultChunkSize
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c.logger = c.logger.With("component", "compaction")
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("compaction")
	}
	if c.converter == nil {
		c.converter = rawbatch.NewConverter(rawbatch.Options{Logger: c.logger, Tracer: c.tracer})
	}
	if c.hooks == nil {
		c.hooks = hooks.NoopHookManager{}
	}
	if c.metrics == nil {
		c.metrics = newLocalMetrics()
	}
	return c
}

// latestEntry locates the newest message seen for a key. ordinal is the
// position of its entry in the source.
type latestEntry struct {
	id      core.MessageID
	ordinal uint64
}

// keyIndex is the result of the key scan.
type keyIndex struct {
	latest map[string]latestEntry
	// keyless holds the ordinals of entries carrying at least one live keyless message.
	keyless *roaring64.Bitmap
}

func newKeyIndex() *keyIndex {
	return &keyIndex{latest: make(map[string]latestEntry), keyless: roaring64.New()}
}

// isLatest is the rebatch filter. It only reads the index and may be called
// concurrently once the scan has finished.
func (ki *keyIndex) isLatest(key string, id core.MessageID) bool {
	e, ok := ki.latest[key]
	return ok && e.id == id
}

// retainedEntries returns the ordinals of every entry that holds a message
// worth keeping.
func (ki *keyIndex) retainedEntries() *roaring64.Bitmap {
	keep := ki.keyless.Clone()
	for _, e := range ki.latest {
		keep.Add(e.ordinal)
	}
	return keep
}

// Compact reads src twice and appends the surviving entries to dst in source
// order. The returned Stats are valid even when an error is returned.
func (c *Compactor) Compact(ctx context.Context, src Source, dst Writer) (stats *Stats, err error) {
	start := time.Now()
	stats, err = newStats()
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "Compactor.Compact")
	span.SetAttributes(attribute.String("compaction.source", src.Name()))
	defer func() {
		stats.Duration = time.Since(start)
		c.metrics.record(stats, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compaction_failed")
		}
		span.SetAttributes(
			attribute.Int("compaction.entries_read", stats.EntriesRead),
			attribute.Int("compaction.entries_written", stats.EntriesWritten),
			attribute.Int("compaction.entries_dropped", stats.EntriesDropped),
		)
		span.End()
		c.hooks.Trigger(context.Background(), hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
			Source:         src.Name(),
			EntriesRead:    stats.EntriesRead,
			EntriesWritten: stats.EntriesWritten,
			EntriesDropped: stats.EntriesDropped,
			Duration:       stats.Duration,
			Error:          err,
		}))
	}()

	if hookErr := c.hooks.Trigger(ctx, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{Source: src.Name()})); hookErr != nil {
		c.logger.Warn("PreCompaction hook cancelled compaction", "source", src.Name(), "error", hookErr)
		return stats, fmt.Errorf("compaction of %s cancelled by pre-hook: %w", src.Name(), hookErr)
	}

	c.logger.Info("Starting compaction", "source", src.Name(), "concurrency", c.concurrency, "chunk_size", c.chunkSize)

	idx, err := c.scanKeys(ctx, src, stats)
	if err != nil {
		return stats, err
	}
	c.hooks.Trigger(ctx, hooks.NewPostPhaseOneEvent(hooks.PostPhaseOnePayload{
		Source:         src.Name(),
		EntriesScanned: stats.EntriesScanned,
		UniqueKeys:     stats.UniqueKeys,
		Duration:       time.Since(start),
	}))

	if err := c.rewrite(ctx, src, dst, idx, stats); err != nil {
		return stats, err
	}

	c.logger.Info("Compaction finished",
		"source", src.Name(),
		"entries_read", stats.EntriesRead,
		"entries_written", stats.EntriesWritten,
		"entries_dropped", stats.EntriesDropped,
		"messages_retained", stats.MessagesRetained,
		"retention_p50", stats.RetentionQuantile(0.5),
		"duration", time.Since(start),
	)
	return stats, nil
}

// scanKeys is phase one: it records the latest identity of every key and the
// entries that carry keyless messages.
func (c *Compactor) scanKeys(ctx context.Context, src Source, stats *Stats) (*keyIndex, error) {
	ctx, span := c.tracer.Start(ctx, "Compactor.scanKeys")
	defer span.End()

	r, err := src.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s for key scan: %w", src.Name(), err)
	}
	defer r.Close()

	idx := newKeyIndex()
	for ordinal := uint64(0); ; ordinal++ {
		msg, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("key scan of %s: %w", src.Name(), err)
		}
		err = c.indexEntry(ctx, idx, ordinal, msg)
		msg.Close()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("key scan of %s: %w", src.Name(), err)
		}
		stats.EntriesScanned++
	}
	stats.UniqueKeys = len(idx.latest)
	span.SetAttributes(attribute.Int("compaction.entries_scanned", stats.EntriesScanned), attribute.Int("compaction.unique_keys", stats.UniqueKeys))
	return idx, nil
}

func (c *Compactor) indexEntry(ctx context.Context, idx *keyIndex, ordinal uint64, msg *core.RawMessage) error {
	hp := msg.HeadersAndPayload()
	if c.verifyChecksum {
		if err := frame.VerifyChecksum(hp); err != nil {
			return fmt.Errorf("entry %s: %w", msg.ID(), err)
		}
	}

	if c.converter.IsReadableBatch(msg) {
		live, err := c.converter.ExtractIDsAndKeys(ctx, msg)
		if err != nil {
			return err
		}
		for _, m := range live {
			if !m.HasKey {
				idx.keyless.Add(ordinal)
				continue
			}
			idx.latest[m.Key] = latestEntry{id: m.ID, ordinal: ordinal}
		}
		return nil
	}

	// Single messages and encrypted batches are judged by the outer key.
	md, _, err := frame.ParseMessageMetadata(hp)
	if err != nil {
		return fmt.Errorf("entry %s: %w", msg.ID(), err)
	}
	if !md.HasPartitionKey {
		idx.keyless.Add(ordinal)
		return nil
	}
	idx.latest[md.PartitionKey] = latestEntry{id: msg.ID(), ordinal: ordinal}
	return nil
}

// rewrite is phase two.
func (c *Compactor) rewrite(ctx context.Context, src Source, dst Writer, idx *keyIndex, stats *Stats) error {
	ctx, span := c.tracer.Start(ctx, "Compactor.rewrite")
	defer span.End()

	keep := idx.retainedEntries()
	span.SetAttributes(attribute.Int64("compaction.candidate_entries", int64(keep.GetCardinality())))

	r, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("open %s for rewrite: %w", src.Name(), err)
	}
	defer r.Close()

	chunk := make([]*core.RawMessage, 0, c.chunkSize)
	defer func() {
		for _, msg := range chunk {
			msg.Close()
		}
	}()

	for ordinal := uint64(0); ; ordinal++ {
		msg, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("rewrite of %s: %w", src.Name(), err)
		}
		stats.EntriesRead++
		if !keep.Contains(ordinal) {
			msg.Close()
			stats.EntriesDropped++
			continue
		}
		chunk = append(chunk, msg)
		if len(chunk) < c.chunkSize {
			continue
		}
		err = c.rewriteChunk(ctx, dst, idx, chunk, stats)
		chunk = chunk[:0]
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("rewrite of %s: %w", src.Name(), err)
		}
	}
	if len(chunk) > 0 {
		err := c.rewriteChunk(ctx, dst, idx, chunk, stats)
		chunk = chunk[:0]
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("rewrite of %s: %w", src.Name(), err)
		}
	}
	return nil
}

type entryResult struct {
	out     *core.RawMessage
	batch   bool
	summary rawbatch.Summary
}

// rewriteChunk compacts the entries of chunk in parallel and appends the
// results in order. Every message of the chunk is closed on return.
func (c *Compactor) rewriteChunk(ctx context.Context, dst Writer, idx *keyIndex, chunk []*core.RawMessage, stats *Stats) error {
	results := make([]entryResult, len(chunk))
	defer func() {
		for i, msg := range chunk {
			msg.Close()
			if results[i].out != nil {
				results[i].out.Close()
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, msg := range chunk {
		g.Go(func() error {
			res, err := c.compactEntry(gctx, idx, msg)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		if res.batch {
			stats.observeBatch(res.summary)
		} else if res.out != nil {
			stats.MessagesRetained++
		}
		if res.out == nil {
			stats.EntriesDropped++
			continue
		}
		if err := dst.Append(ctx, res.out); err != nil {
			return fmt.Errorf("append %s: %w", res.out.ID(), err)
		}
		stats.EntriesWritten++
	}
	c.logger.Debug("Compacted chunk", "entries", len(chunk))
	return nil
}

// compactEntry decides the fate of one retained entry. Readable batches are
// rebatched, which consumes msg; other entries pass through unchanged when
// they are keyless or the latest non-empty value of their key.
func (c *Compactor) compactEntry(ctx context.Context, idx *keyIndex, msg *core.RawMessage) (entryResult, error) {
	if err := ctx.Err(); err != nil {
		return entryResult{}, err
	}
	id := msg.ID()

	if c.converter.IsReadableBatch(msg) {
		if err := c.hooks.Trigger(ctx, hooks.NewPreRebatchEvent(hooks.PreRebatchPayload{EntryID: id})); err != nil {
			return entryResult{}, err
		}
		out, summary, err := c.converter.RebatchWithSummary(ctx, msg, idx.isLatest)
		c.hooks.Trigger(ctx, hooks.NewPostRebatchEvent(hooks.PostRebatchPayload{
			EntryID:   id,
			BatchSize: summary.BatchSize,
			Retained:  summary.Retained,
			Dropped:   err == nil && out == nil,
			Error:     err,
		}))
		if err != nil {
			return entryResult{}, err
		}
		return entryResult{out: out, batch: true, summary: summary}, nil
	}

	md, body, err := frame.ParseMessageMetadata(msg.HeadersAndPayload())
	if err != nil {
		return entryResult{}, fmt.Errorf("entry %s: %w", id, err)
	}
	if !md.HasPartitionKey {
		return entryResult{out: msg}, nil
	}
	if idx.isLatest(md.PartitionKey, id) && !emptyValue(md, body) {
		return entryResult{out: msg}, nil
	}
	return entryResult{}, nil
}

// emptyValue reports whether a single-message entry carries an empty payload,
// which marks its key as deleted.
func emptyValue(md *frame.MessageMetadata, body []byte) bool {
	if md.HasUncompressedSize {
		return md.UncompressedSize == 0
	}
	return len(body) == 0
}
