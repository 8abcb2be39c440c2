package testutil

import (
	"bytes"
	"testing"

	"github.com/INLOpen/rawbatch/compressors"
	"github.com/INLOpen/rawbatch/core"
	"github.com/INLOpen/rawbatch/frame"
)

// Message describes one message of a test batch.
type Message struct {
	Key          string
	HasKey       bool
	Payload      []byte
	CompactedOut bool
	Properties   map[string]string
}

// Keyed returns a keyed message with the given payload.
func Keyed(key, payload string) Message {
	return Message{Key: key, HasKey: true, Payload: []byte(payload)}
}

// Keyless returns a message without a partition key.
func Keyless(payload string) Message {
	return Message{Payload: []byte(payload)}
}

// Slot is one decoded frame of a batch body.
type Slot struct {
	Metadata *frame.SingleMessageMetadata
	Payload  []byte
}

// BatchOptions tweak the outer metadata of a built batch.
type BatchOptions struct {
	Compression    core.CompressionType
	Checksum       frame.ChecksumType
	EncryptionKeys int
	// Properties are attached to the outer metadata as passthrough fields.
	Properties map[string]string
}

// BuildBatch serializes msgs into the headers-and-payload bytes of one batched entry.
func BuildBatch(tb testing.TB, opts BatchOptions, msgs ...Message) []byte {
	tb.Helper()
	var body bytes.Buffer
	for _, m := range msgs {
		smd := &frame.SingleMessageMetadata{
			PartitionKey:    m.Key,
			HasPartitionKey: m.HasKey,
			CompactedOut:    m.CompactedOut,
		}
		for k, v := range m.Properties {
			smd.AddProperty(k, v)
		}
		frame.AppendSingleMessage(&body, smd, m.Payload)
	}

	codec, err := compressors.Default().Get(opts.Compression)
	if err != nil {
		tb.Fatalf("compressor for %s: %v", opts.Compression, err)
	}
	var compressed bytes.Buffer
	if err := codec.CompressTo(&compressed, body.Bytes()); err != nil {
		tb.Fatalf("compress batch body: %v", err)
	}

	md := &frame.MessageMetadata{
		ProducerName: "test-producer",
		SequenceID:   1,
		PublishTime:  1700000000000,
		Compression:  opts.Compression,
	}
	md.SetNumMessagesInBatch(len(msgs))
	md.SetUncompressedSize(body.Len())
	for k, v := range opts.Properties {
		md.AddProperty(k, v)
	}
	for i := 0; i < opts.EncryptionKeys; i++ {
		md.AddEncryptionKey("key", []byte{byte(i)})
	}

	var out bytes.Buffer
	frame.SerializeMetadataAndPayload(&out, opts.Checksum, md, compressed.Bytes())
	return out.Bytes()
}

// BuildSingle serializes a non-batched entry carrying one payload.
func BuildSingle(tb testing.TB, key string, hasKey bool, payload []byte) []byte {
	tb.Helper()
	md := &frame.MessageMetadata{
		ProducerName:    "test-producer",
		SequenceID:      1,
		PublishTime:     1700000000000,
		PartitionKey:    key,
		HasPartitionKey: hasKey,
	}
	md.SetUncompressedSize(len(payload))
	var out bytes.Buffer
	frame.SerializeMetadataAndPayload(&out, frame.ChecksumCRC32C, md, payload)
	return out.Bytes()
}

// PooledMessage copies data into a buffer taken from pool, so the message's
// release can be observed through the pool.
func PooledMessage(pool core.BufferPool, id core.MessageID, data []byte) *core.RawMessage {
	buf := pool.Get()
	buf.Write(data)
	return core.NewPooledRawMessage(id, buf, pool)
}

// DecodeBatch parses and decompresses an entry and returns its outer metadata
// and every slot, failing the test on any error.
func DecodeBatch(tb testing.TB, headersAndPayload []byte) (*frame.MessageMetadata, []Slot) {
	tb.Helper()
	md, compressed, err := frame.ParseMessageMetadata(headersAndPayload)
	if err != nil {
		tb.Fatalf("parse metadata: %v", err)
	}
	codec, err := compressors.Default().Get(md.Compression)
	if err != nil {
		tb.Fatalf("compressor: %v", err)
	}
	var body bytes.Buffer
	if err := codec.DecompressTo(&body, compressed, int(md.UncompressedSize)); err != nil {
		tb.Fatalf("decompress: %v", err)
	}
	if err := frame.CheckBatchCount(body.Bytes(), int(md.NumMessagesInBatch)); err != nil {
		tb.Fatalf("batch count: %v", err)
	}
	r := frame.NewBatchReader(body.Bytes(), int(md.NumMessagesInBatch))
	slots := make([]Slot, 0, md.NumMessagesInBatch)
	for i := 0; i < int(md.NumMessagesInBatch); i++ {
		smd, payload, err := r.Next()
		if err != nil {
			tb.Fatalf("slot %d: %v", i, err)
		}
		slots = append(slots, Slot{Metadata: smd, Payload: append([]byte(nil), payload...)})
	}
	return md, slots
}
