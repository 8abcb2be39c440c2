// Package rawbatch inspects and rewrites batched ledger entries without
// materializing their messages. It is the engine behind topic compaction:
// it lists the identities and keys inside a batch, and rebuilds a batch that
// keeps only the messages a caller-supplied filter selects.
//
// A rewritten batch keeps its original message count. Messages that are
// dropped are replaced by empty compacted-out placeholders, so batch indexes
// handed out before the rewrite still point at the same messages.
package rawbatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/rawbatch/compressors"
	"github.com/INLOpen/rawbatch/core"
	"github.com/INLOpen/rawbatch/frame"
)

// IDAndKey is one live message of a batch.
type IDAndKey struct {
	ID     core.MessageID
	Key    string
	HasKey bool
}

// Filter decides whether the keyed message id survives a rebatch.
// It is called synchronously, in batch order.
type Filter func(key string, id core.MessageID) bool

// Options configures a Converter. Zero values select the shared defaults.
type Options struct {
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Compressors *compressors.Provider
	BufferPool  core.BufferPool
}

// Converter holds the collaborators used by the batch operations. It keeps
// no per-call state and is safe for concurrent use.
type Converter struct {
	logger      *slog.Logger
	tracer      trace.Tracer
	compressors *compressors.Provider
	pool        core.BufferPool
}

// NewConverter creates a Converter.
func NewConverter(opts Options) *Converter {
	c := &Converter{
		logger:      opts.Logger,
		tracer:      opts.Tracer,
		compressors: opts.Compressors,
		pool:        opts.BufferPool,
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("rawbatch")
	}
	if c.compressors == nil {
		c.compressors = compressors.Default()
	}
	if c.pool == nil {
		c.pool = core.DefaultBufferPool
	}
	c.logger = c.logger.With("component", "rawbatch")
	return c
}

var defaultConverter = NewConverter(Options{})

// IsReadableBatch reports whether msg is a batch whose messages can be inspected.
func IsReadableBatch(msg *core.RawMessage) bool {
	return defaultConverter.IsReadableBatch(msg)
}

// ExtractIDsAndKeys lists the live messages of a batch using the default converter.
func ExtractIDsAndKeys(msg *core.RawMessage) ([]IDAndKey, error) {
	return defaultConverter.ExtractIDsAndKeys(context.Background(), msg)
}

// Rebatch rewrites a batch using the default converter.
func Rebatch(msg *core.RawMessage, filter Filter) (*core.RawMessage, error) {
	return defaultConverter.Rebatch(context.Background(), msg, filter)
}

// IsReadableBatch parses only the outer metadata. Entries that do not parse
// are not readable.
func (c *Converter) IsReadableBatch(msg *core.RawMessage) bool {
	md, _, err := frame.ParseMessageMetadata(msg.HeadersAndPayload())
	if err != nil {
		c.logger.Debug("Entry metadata does not parse", "id", msg.ID().String(), "error", err)
		return false
	}
	return frame.IsBatch(md)
}

// openedBatch is a batch whose body has been decompressed into a pooled buffer.
type openedBatch struct {
	metadata *frame.MessageMetadata
	codec    core.Compressor
	body     *bytes.Buffer
}

// openBatch parses the outer metadata and decompresses the body. On success
// the caller owns ob.body and must return it to the pool.
func (c *Converter) openBatch(msg *core.RawMessage) (*openedBatch, error) {
	md, compressed, err := frame.ParseMessageMetadata(msg.HeadersAndPayload())
	if err != nil {
		return nil, err
	}
	codec, err := c.compressors.Get(md.Compression)
	if err != nil {
		return nil, err
	}
	body := c.pool.Get()
	if err := codec.DecompressTo(body, compressed, int(md.UncompressedSize)); err != nil {
		c.pool.Put(body)
		return nil, err
	}
	if err := frame.CheckBatchCount(body.Bytes(), int(md.NumMessagesInBatch)); err != nil {
		c.pool.Put(body)
		return nil, err
	}
	return &openedBatch{metadata: md, codec: codec, body: body}, nil
}

func checkEntryScoped(op string, id core.MessageID) error {
	if id.IsBatchScoped() {
		return fmt.Errorf("%s %s: entry is bound to batch index %d: %w", op, id, id.BatchIndex, core.ErrContractViolation)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ExtractIDsAndKeys returns the identity and key of every message in the
// batch that has not been compacted out, in batch order. Identities are
// derived from the slot position, so skipped slots leave gaps in the indexes.
// msg is not consumed.
func (c *Converter) ExtractIDsAndKeys(ctx context.Context, msg *core.RawMessage) (result []IDAndKey, err error) {
	id := msg.ID()
	if err := checkEntryScoped("extract ids and keys", id); err != nil {
		return nil, err
	}

	_, span := c.tracer.Start(ctx, "rawbatch.ExtractIDsAndKeys")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("entry.id", id.String()))

	ob, err := c.openBatch(msg)
	if err != nil {
		return nil, fmt.Errorf("extract ids and keys %s: %w", id, err)
	}
	defer c.pool.Put(ob.body)

	count := int(ob.metadata.NumMessagesInBatch)
	reader := frame.NewBatchReader(ob.body.Bytes(), count)
	result = make([]IDAndKey, 0, count)
	for i := 0; i < count; i++ {
		smd, _, err := reader.Next()
		if err != nil {
			return nil, fmt.Errorf("extract ids and keys %s: %w", id, err)
		}
		if smd.CompactedOut {
			continue
		}
		result = append(result, IDAndKey{ID: id.WithBatchIndex(i), Key: smd.PartitionKey, HasKey: smd.HasPartitionKey})
	}
	span.SetAttributes(attribute.Int("batch.size", count), attribute.Int("batch.live", len(result)))
	return result, nil
}

// Summary describes the outcome of one rebatch.
type Summary struct {
	BatchSize int
	Retained  int
}

// Rebatch builds a new entry holding only the messages that survive filter.
//
// Per slot: a message without a key is kept as is; a keyed message is kept
// when its payload is non-empty and filter returns true; anything else is
// replaced by an empty compacted-out placeholder. The new entry has the same
// message count and the same coordinates as msg.
//
// Rebatch takes ownership of msg and closes it on every return path except a
// contract violation. It returns (nil, nil) when no message survives; otherwise
// the caller owns the returned entry and must Close it.
func (c *Converter) Rebatch(ctx context.Context, msg *core.RawMessage, filter Filter) (*core.RawMessage, error) {
	out, _, err := c.RebatchWithSummary(ctx, msg, filter)
	return out, err
}

// RebatchWithSummary is Rebatch that also reports how many slots survived.
func (c *Converter) RebatchWithSummary(ctx context.Context, msg *core.RawMessage, filter Filter) (_ *core.RawMessage, summary Summary, err error) {
	id := msg.ID()
	if err := checkEntryScoped("rebatch", id); err != nil {
		return nil, summary, err
	}
	defer msg.Close()

	_, span := c.tracer.Start(ctx, "rawbatch.Rebatch")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("entry.id", id.String()))

	ob, err := c.openBatch(msg)
	if err != nil {
		return nil, summary, fmt.Errorf("rebatch %s: %w", id, err)
	}
	defer c.pool.Put(ob.body)

	staging := c.pool.Get()
	defer c.pool.Put(staging)

	count := int(ob.metadata.NumMessagesInBatch)
	summary.BatchSize = count
	placeholder := frame.CompactedOutPlaceholder()
	reader := frame.NewBatchReader(ob.body.Bytes(), count)
	for i := 0; i < count; i++ {
		smd, payload, err := reader.Next()
		if err != nil {
			return nil, summary, fmt.Errorf("rebatch %s: %w", id, err)
		}
		switch {
		case !smd.HasPartitionKey:
			summary.Retained++
			frame.AppendSingleMessage(staging, smd, payload)
		case len(payload) > 0 && filter(smd.PartitionKey, id.WithBatchIndex(i)):
			summary.Retained++
			frame.AppendSingleMessage(staging, smd, payload)
		default:
			frame.AppendSingleMessage(staging, placeholder, nil)
		}
	}
	span.SetAttributes(attribute.Int("batch.size", count), attribute.Int("batch.retained", summary.Retained))

	if summary.Retained == 0 {
		c.logger.Debug("No messages survived rebatch", "id", id.String(), "batch_size", count)
		return nil, summary, nil
	}

	compressed := c.pool.Get()
	defer c.pool.Put(compressed)
	if err := ob.codec.CompressTo(compressed, staging.Bytes()); err != nil {
		return nil, summary, fmt.Errorf("rebatch %s: %w", id, err)
	}

	newMetadata := ob.metadata.Clone()
	newMetadata.SetUncompressedSize(staging.Len())

	out := c.pool.Get()
	frame.SerializeMetadataAndPayload(out, frame.ChecksumCRC32C, newMetadata, compressed.Bytes())
	return core.NewPooledRawMessage(id, out, c.pool), summary, nil
}
