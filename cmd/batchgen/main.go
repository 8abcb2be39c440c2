// Command batchgen writes a ledger segment of synthetic batched messages,
// useful as compactor input.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/INLOpen/rawbatch/compressors"
	"github.com/INLOpen/rawbatch/core"
	"github.com/INLOpen/rawbatch/frame"
	"github.com/INLOpen/rawbatch/ledger"
)

type genOptions struct {
	ledgerID     int64
	partition    int
	entries      int
	batchSize    int
	keys         int
	keylessRatio float64
	deleteRatio  float64
	compression  core.CompressionType
	seed         int64
}

func main() {
	out := flag.String("out", "", "Path of the segment to write (required)")
	ledgerID := flag.Int64("ledger", 1, "Ledger id stored in the segment header and entry ids")
	partition := flag.Int("partition", -1, "Partition index of every entry")
	entries := flag.Int("entries", 100, "Number of entries")
	batchSize := flag.Int("batch-size", 10, "Messages per batch; 1 writes single-message entries")
	keys := flag.Int("keys", 50, "Number of distinct keys")
	keylessRatio := flag.Float64("keyless-ratio", 0.05, "Fraction of messages without a key")
	deleteRatio := flag.Float64("delete-ratio", 0.02, "Fraction of keyed messages with an empty payload")
	compression := flag.String("compression", "lz4", "Batch compression (none, lz4, zlib, zstd, snappy)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.Parse()

	if *out == "" {
		fmt.Println("Usage: batchgen -out <segment> [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(*logLevel))); err != nil {
		fmt.Printf("Invalid log level: %s. Defaulting to info.\n", *logLevel)
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ct, err := core.ParseCompressionType(*compression)
	if err != nil {
		logger.Error("Invalid compression", "error", err)
		os.Exit(1)
	}

	opts := genOptions{
		ledgerID:     *ledgerID,
		partition:    *partition,
		entries:      *entries,
		batchSize:    *batchSize,
		keys:         *keys,
		keylessRatio: *keylessRatio,
		deleteRatio:  *deleteRatio,
		compression:  ct,
		seed:         *seed,
	}
	if err := run(context.Background(), *out, opts, logger); err != nil {
		logger.Error("Generation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, opts genOptions, logger *slog.Logger) error {
	if opts.entries < 0 || opts.batchSize < 1 || opts.keys < 1 {
		return fmt.Errorf("entries must be >= 0, batch-size and keys must be >= 1")
	}
	codec, err := compressors.Default().Get(opts.compression)
	if err != nil {
		return err
	}

	w, err := ledger.CreateSegment(path, opts.ledgerID, ledger.WriterOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer w.Close()

	g := &generator{rng: rand.New(rand.NewSource(opts.seed)), opts: opts, codec: codec}
	for i := 0; i < opts.entries; i++ {
		id := core.NewMessageID(opts.ledgerID, int64(i), int32(opts.partition))
		data, err := g.entry(i)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if err := w.Append(ctx, core.NewRawMessage(id, data)); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	logger.Info("Segment written", "path", path, "entries", opts.entries, "batch_size", opts.batchSize, "compression", opts.compression.String(), "seed", opts.seed)
	return nil
}

type generator struct {
	rng      *rand.Rand
	opts     genOptions
	codec    core.Compressor
	sequence uint64
}

// message draws a key and payload. An empty payload marks a deleted key.
func (g *generator) message() (key string, hasKey bool, payload []byte) {
	g.sequence++
	if g.rng.Float64() < g.opts.keylessRatio {
		return "", false, []byte(fmt.Sprintf(`{"seq":%d}`, g.sequence))
	}
	key = fmt.Sprintf("key-%04d", g.rng.Intn(g.opts.keys))
	if g.rng.Float64() < g.opts.deleteRatio {
		return key, true, nil
	}
	return key, true, []byte(fmt.Sprintf(`{"key":%q,"seq":%d,"value":%d}`, key, g.sequence, g.rng.Intn(1000)))
}

func (g *generator) metadata(i int) *frame.MessageMetadata {
	return &frame.MessageMetadata{
		ProducerName: "batchgen",
		SequenceID:   uint64(i),
		PublishTime:  uint64(time.Now().UnixMilli()),
		Compression:  g.opts.compression,
	}
}

func (g *generator) entry(i int) ([]byte, error) {
	var out bytes.Buffer
	if g.opts.batchSize == 1 {
		key, hasKey, payload := g.message()
		md := g.metadata(i)
		md.PartitionKey, md.HasPartitionKey = key, hasKey
		md.SetUncompressedSize(len(payload))
		var compressed bytes.Buffer
		if err := g.codec.CompressTo(&compressed, payload); err != nil {
			return nil, err
		}
		frame.SerializeMetadataAndPayload(&out, frame.ChecksumCRC32C, md, compressed.Bytes())
		return out.Bytes(), nil
	}

	var body bytes.Buffer
	for j := 0; j < g.opts.batchSize; j++ {
		key, hasKey, payload := g.message()
		frame.AppendSingleMessage(&body, &frame.SingleMessageMetadata{PartitionKey: key, HasPartitionKey: hasKey}, payload)
	}
	var compressed bytes.Buffer
	if err := g.codec.CompressTo(&compressed, body.Bytes()); err != nil {
		return nil, err
	}
	md := g.metadata(i)
	md.SetNumMessagesInBatch(g.opts.batchSize)
	md.SetUncompressedSize(body.Len())
	frame.SerializeMetadataAndPayload(&out, frame.ChecksumCRC32C, md, compressed.Bytes())
	return out.Bytes(), nil
}
