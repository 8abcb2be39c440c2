package rawbatch

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/rawbatch/core"
	"github.com/INLOpen/rawbatch/frame"
	"github.com/INLOpen/rawbatch/internal/testutil"
)

var entryID = core.NewMessageID(11, 22, 3)

type countingPool interface {
	core.BufferPool
	Outstanding() int64
}

func newTestConverter(t *testing.T) (*Converter, countingPool) {
	t.Helper()
	pool := core.NewBufferPool(0)
	return NewConverter(Options{BufferPool: pool}), pool
}

// rewriteMetadata re-serializes an entry after mutate has changed its outer metadata.
func rewriteMetadata(t *testing.T, data []byte, mutate func(md *frame.MessageMetadata)) []byte {
	t.Helper()
	md, body, err := frame.ParseMessageMetadata(data)
	require.NoError(t, err)
	mutate(md)
	var out bytes.Buffer
	frame.SerializeMetadataAndPayload(&out, frame.ChecksumCRC32C, md, body)
	return out.Bytes()
}

func keyFilter(keep ...string) Filter {
	return func(key string, _ core.MessageID) bool {
		for _, k := range keep {
			if k == key {
				return true
			}
		}
		return false
	}
}

func TestIsReadableBatch(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want bool
	}{
		{
			name: "plain batch",
			data: testutil.BuildBatch(t, testutil.BatchOptions{}, testutil.Keyed("a", "1")),
			want: true,
		},
		{
			name: "encrypted batch",
			data: testutil.BuildBatch(t, testutil.BatchOptions{EncryptionKeys: 1}, testutil.Keyed("a", "1"), testutil.Keyed("b", "2")),
			want: false,
		},
		{
			name: "encrypted empty batch",
			data: testutil.BuildBatch(t, testutil.BatchOptions{EncryptionKeys: 2}),
			want: false,
		},
		{
			name: "single message entry",
			data: testutil.BuildSingle(t, "a", true, []byte("payload")),
			want: false,
		},
		{
			name: "garbage",
			data: []byte{0x00, 0x00, 0x10},
			want: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			msg := core.NewRawMessage(entryID, tc.data)
			assert.Equal(t, tc.want, IsReadableBatch(msg))
			assert.False(t, msg.Closed(), "IsReadableBatch must not consume the entry")
		})
	}
}

func TestExtractIDsAndKeys(t *testing.T) {
	t.Run("keys and identities in batch order", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionLZ4},
			testutil.Keyed("a", "1"),
			testutil.Keyless("2"),
			testutil.Keyed("c", "3"),
		)
		conv, pool := newTestConverter(t)
		got, err := conv.ExtractIDsAndKeys(context.Background(), core.NewRawMessage(entryID, data))
		require.NoError(t, err)
		assert.Equal(t, []IDAndKey{
			{ID: entryID.WithBatchIndex(0), Key: "a", HasKey: true},
			{ID: entryID.WithBatchIndex(1), Key: "", HasKey: false},
			{ID: entryID.WithBatchIndex(2), Key: "c", HasKey: true},
		}, got)
		assert.Equal(t, int64(0), pool.Outstanding())
	})

	t.Run("compacted out slots are skipped without shifting indexes", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{},
			testutil.Keyed("k0", "0"),
			testutil.Keyed("k1", "1"),
			testutil.Message{CompactedOut: true},
			testutil.Keyed("k3", "3"),
		)
		got, err := ExtractIDsAndKeys(core.NewRawMessage(entryID, data))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, int32(0), got[0].ID.BatchIndex)
		assert.Equal(t, int32(1), got[1].ID.BatchIndex)
		assert.Equal(t, int32(3), got[2].ID.BatchIndex)
		assert.Equal(t, "k3", got[2].Key)
	})

	t.Run("slot bound entry is a contract violation", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{}, testutil.Keyed("a", "1"))
		_, err := ExtractIDsAndKeys(core.NewRawMessage(entryID.WithBatchIndex(0), data))
		require.Error(t, err)
		assert.True(t, core.IsContractViolation(err))
	})

	t.Run("malformed body", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{}, testutil.Keyed("a", "1"))
		data = rewriteMetadata(t, data, func(md *frame.MessageMetadata) { md.SetNumMessagesInBatch(2) })
		conv, pool := newTestConverter(t)
		_, err := conv.ExtractIDsAndKeys(context.Background(), core.NewRawMessage(entryID, data))
		require.Error(t, err)
		assert.True(t, core.IsMalformedFrame(err))
		assert.Equal(t, int64(0), pool.Outstanding())
	})

	t.Run("count beyond body size is rejected before allocating", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionLZ4}, testutil.Keyed("a", "1"))
		data = rewriteMetadata(t, data, func(md *frame.MessageMetadata) { md.SetNumMessagesInBatch(200_000_000) })
		conv, pool := newTestConverter(t)
		got, err := conv.ExtractIDsAndKeys(context.Background(), core.NewRawMessage(entryID, data))
		require.Error(t, err)
		assert.Nil(t, got)
		assert.True(t, core.IsMalformedFrame(err), "got %v", err)
		assert.Equal(t, int64(0), pool.Outstanding())
	})
}

func TestRebatch_RoundTripExample(t *testing.T) {
	for _, compression := range []core.CompressionType{core.CompressionNone, core.CompressionLZ4, core.CompressionZLIB, core.CompressionZSTD, core.CompressionSnappy} {
		compression := compression
		t.Run(compression.String(), func(t *testing.T) {
			data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: compression, Properties: map[string]string{"origin": "producer-7"}},
				testutil.Keyed("a", "first-a"),
				testutil.Keyed("b", "only-b"),
				testutil.Keyed("a", "second-a"),
			)
			conv, pool := newTestConverter(t)
			in := testutil.PooledMessage(pool, entryID, data)

			out, err := conv.Rebatch(context.Background(), in, keyFilter("a"))
			require.NoError(t, err)
			require.NotNil(t, out)
			assert.True(t, in.Closed(), "input must be consumed")
			assert.Equal(t, entryID, out.ID(), "coordinates are unchanged by rebatching")
			require.NoError(t, frame.VerifyChecksum(out.HeadersAndPayload()))
			assert.True(t, frame.HasChecksum(out.HeadersAndPayload()))

			md, slots := testutil.DecodeBatch(t, out.HeadersAndPayload())
			inMD, _ := testutil.DecodeBatch(t, data)
			assert.Equal(t, int32(3), md.NumMessagesInBatch)
			assert.Equal(t, compression, md.Compression)
			assert.Equal(t, inMD.ProducerName, md.ProducerName)
			assert.Equal(t, inMD.SequenceID, md.SequenceID)

			require.Len(t, slots, 3)
			assert.Equal(t, "a", slots[0].Metadata.PartitionKey)
			assert.Equal(t, []byte("first-a"), slots[0].Payload)
			assert.True(t, slots[1].Metadata.CompactedOut)
			assert.False(t, slots[1].Metadata.HasPartitionKey)
			assert.Empty(t, slots[1].Payload)
			assert.Equal(t, []byte("second-a"), slots[2].Payload)

			again, err := conv.ExtractIDsAndKeys(context.Background(), out)
			require.NoError(t, err)
			assert.Equal(t, []IDAndKey{
				{ID: entryID.WithBatchIndex(0), Key: "a", HasKey: true},
				{ID: entryID.WithBatchIndex(2), Key: "a", HasKey: true},
			}, again)

			assert.Equal(t, int64(1), pool.Outstanding(), "only the output entry may hold a buffer")
			require.NoError(t, out.Close())
			assert.Equal(t, int64(0), pool.Outstanding())
		})
	}
}

func TestRebatch_RetentionRules(t *testing.T) {
	t.Run("keyless messages are retained without consulting the filter", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{},
			testutil.Keyless("no-key"),
			testutil.Keyed("k", "v"),
			testutil.Keyless(""),
		)
		var calls []core.MessageID
		filter := func(key string, id core.MessageID) bool {
			calls = append(calls, id)
			return false
		}
		out, err := Rebatch(core.NewRawMessage(entryID, data), filter)
		require.NoError(t, err)
		require.NotNil(t, out)
		defer out.Close()

		assert.Equal(t, []core.MessageID{entryID.WithBatchIndex(1)}, calls)
		_, slots := testutil.DecodeBatch(t, out.HeadersAndPayload())
		require.Len(t, slots, 3)
		assert.Equal(t, []byte("no-key"), slots[0].Payload)
		assert.False(t, slots[0].Metadata.CompactedOut)
		assert.True(t, slots[1].Metadata.CompactedOut)
		// Keyless empty payloads are kept too; only keyed slots are checked for emptiness.
		assert.False(t, slots[2].Metadata.CompactedOut)
	})

	t.Run("keyed empty payload is replaced even if the filter accepts it", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{},
			testutil.Keyed("a", ""),
			testutil.Keyed("a", "kept"),
		)
		out, err := Rebatch(core.NewRawMessage(entryID, data), func(string, core.MessageID) bool { return true })
		require.NoError(t, err)
		require.NotNil(t, out)
		defer out.Close()

		_, slots := testutil.DecodeBatch(t, out.HeadersAndPayload())
		assert.True(t, slots[0].Metadata.CompactedOut)
		assert.Equal(t, []byte("kept"), slots[1].Payload)
	})

	t.Run("filter receives slot identities", func(t *testing.T) {
		data := testutil.BuildBatch(t, testutil.BatchOptions{},
			testutil.Keyed("a", "1"),
			testutil.Keyed("a", "2"),
			testutil.Keyed("a", "3"),
		)
		want := entryID.WithBatchIndex(1)
		out, err := Rebatch(core.NewRawMessage(entryID, data), func(_ string, id core.MessageID) bool { return id == want })
		require.NoError(t, err)
		defer out.Close()

		ids, err := ExtractIDsAndKeys(out)
		require.NoError(t, err)
		require.Len(t, ids, 1)
		assert.Equal(t, want, ids[0].ID)
	})

	t.Run("retained messages keep their metadata", func(t *testing.T) {
		msg := testutil.Keyed("a", "payload")
		msg.Properties = map[string]string{"trace-id": "abc"}
		data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionSnappy}, msg)

		_, before := testutil.DecodeBatch(t, data)
		out, err := Rebatch(core.NewRawMessage(entryID, data), keyFilter("a"))
		require.NoError(t, err)
		defer out.Close()
		_, after := testutil.DecodeBatch(t, out.HeadersAndPayload())
		assert.Equal(t, before, after)
	})
}

func TestRebatch_NoSurvivors(t *testing.T) {
	data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionZSTD},
		testutil.Keyed("a", "1"),
		testutil.Keyed("b", "2"),
	)
	conv, pool := newTestConverter(t)
	in := testutil.PooledMessage(pool, entryID, data)

	out, err := conv.Rebatch(context.Background(), in, keyFilter())
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.True(t, in.Closed())
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestRebatchWithSummary(t *testing.T) {
	data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionSnappy},
		testutil.Keyed("a", "1"),
		testutil.Keyless("k"),
		testutil.Keyed("b", "2"),
		testutil.Keyed("a", ""),
	)
	conv, pool := newTestConverter(t)

	out, summary, err := conv.RebatchWithSummary(context.Background(), testutil.PooledMessage(pool, entryID, data), keyFilter("a"))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, Summary{BatchSize: 4, Retained: 2}, summary)
	require.NoError(t, out.Close())

	out, summary, err = conv.RebatchWithSummary(context.Background(), testutil.PooledMessage(pool, entryID, data), keyFilter())
	require.NoError(t, err)
	require.NotNil(t, out, "the keyless slot still survives")
	assert.Equal(t, 1, summary.Retained)
	require.NoError(t, out.Close())
	assert.Equal(t, int64(0), pool.Outstanding())
}

func TestRebatch_Errors(t *testing.T) {
	base := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionLZ4},
		testutil.Keyed("a", "1"),
		testutil.Keyed("b", "2"),
	)

	testCases := []struct {
		name  string
		data  []byte
		check func(error) bool
	}{
		{
			name:  "truncated metadata",
			data:  base[:9],
			check: core.IsMalformedFrame,
		},
		{
			name: "unknown compression",
			data: rewriteMetadata(t, base, func(md *frame.MessageMetadata) {
				md.Compression = core.CompressionType(77)
			}),
			check: core.IsUnknownCompression,
		},
		{
			name: "declared size mismatch",
			data: rewriteMetadata(t, base, func(md *frame.MessageMetadata) {
				md.SetUncompressedSize(int(md.UncompressedSize) + 5)
			}),
			check: core.IsCodecFailure,
		},
		{
			name: "count larger than body",
			data: rewriteMetadata(t, base, func(md *frame.MessageMetadata) {
				md.SetNumMessagesInBatch(3)
			}),
			check: core.IsMalformedFrame,
		},
		{
			name: "count far beyond what the body can hold",
			data: rewriteMetadata(t, base, func(md *frame.MessageMetadata) {
				md.SetNumMessagesInBatch(200_000_000)
			}),
			check: core.IsMalformedFrame,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conv, pool := newTestConverter(t)
			in := testutil.PooledMessage(pool, entryID, tc.data)

			out, err := conv.Rebatch(context.Background(), in, keyFilter("a", "b"))
			require.Error(t, err)
			assert.Nil(t, out)
			assert.True(t, tc.check(err), "unexpected error kind: %v", err)
			assert.True(t, in.Closed(), "input is consumed on error paths")
			assert.Equal(t, int64(0), pool.Outstanding(), "no buffer may leak on error paths")
		})
	}

	t.Run("contract violation leaves the input untouched", func(t *testing.T) {
		conv, pool := newTestConverter(t)
		in := testutil.PooledMessage(pool, entryID.WithBatchIndex(4), base)

		called := false
		out, err := conv.Rebatch(context.Background(), in, func(string, core.MessageID) bool { called = true; return true })
		require.Error(t, err)
		assert.Nil(t, out)
		assert.True(t, core.IsContractViolation(err))
		assert.False(t, called)
		assert.False(t, in.Closed())
		assert.Equal(t, int64(1), pool.Outstanding())
		require.NoError(t, in.Close())
		assert.Equal(t, int64(0), pool.Outstanding())
	})

	t.Run("panicking filter releases every buffer", func(t *testing.T) {
		conv, pool := newTestConverter(t)
		in := testutil.PooledMessage(pool, entryID, base)
		assert.Panics(t, func() {
			_, _ = conv.Rebatch(context.Background(), in, func(string, core.MessageID) bool { panic("filter failed") })
		})
		assert.True(t, in.Closed())
		assert.Equal(t, int64(0), pool.Outstanding())
	})
}

func TestRebatch_SlotCountInvariant(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e", "f", "g"}
	msgs := make([]testutil.Message, 0, len(keys))
	for i, k := range keys {
		msgs = append(msgs, testutil.Keyed(k, string(rune('0'+i))))
	}
	data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionZLIB}, msgs...)

	for mask := 1; mask < 1<<len(keys); mask += 9 {
		keep := make([]string, 0)
		for i, k := range keys {
			if mask&(1<<i) != 0 {
				keep = append(keep, k)
			}
		}
		out, err := Rebatch(core.NewRawMessage(entryID, data), keyFilter(keep...))
		require.NoError(t, err)
		require.NotNil(t, out)
		md, slots := testutil.DecodeBatch(t, out.HeadersAndPayload())
		assert.Equal(t, int32(len(keys)), md.NumMessagesInBatch)
		assert.Len(t, slots, len(keys))

		ids, err := ExtractIDsAndKeys(out)
		require.NoError(t, err)
		assert.Len(t, ids, len(keep))
		require.NoError(t, out.Close())
	}
}

func TestRebatch_IdentityMatchesExtraction(t *testing.T) {
	data := testutil.BuildBatch(t, testutil.BatchOptions{},
		testutil.Keyed("x", "1"),
		testutil.Keyed("y", "2"),
		testutil.Keyed("z", "3"),
	)
	extracted, err := ExtractIDsAndKeys(core.NewRawMessage(entryID, data))
	require.NoError(t, err)

	var seen []core.MessageID
	out, err := Rebatch(core.NewRawMessage(entryID, data), func(_ string, id core.MessageID) bool {
		seen = append(seen, id)
		return true
	})
	require.NoError(t, err)
	defer out.Close()

	require.Len(t, seen, len(extracted))
	for i := range extracted {
		assert.Equal(t, extracted[i].ID, seen[i])
	}
}

func TestRebatch_Concurrent(t *testing.T) {
	conv, pool := newTestConverter(t)
	data := testutil.BuildBatch(t, testutil.BatchOptions{Compression: core.CompressionZSTD},
		testutil.Keyed("a", "1"),
		testutil.Keyed("b", "2"),
		testutil.Keyed("a", "3"),
	)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			id := core.NewMessageID(1, int64(g), 0)
			out, err := conv.Rebatch(context.Background(), testutil.PooledMessage(pool, id, data), keyFilter("a"))
			if !assert.NoError(t, err) || !assert.NotNil(t, out) {
				return
			}
			assert.Equal(t, id, out.ID())
			_ = out.Close()
		}(g)
	}
	wg.Wait()
	assert.Equal(t, int64(0), pool.Outstanding())
}

func BenchmarkRebatch(b *testing.B) {
	msgs := make([]testutil.Message, 0, 100)
	for i := 0; i < 100; i++ {
		msgs = append(msgs, testutil.Keyed(string(rune('a'+i%26)), `{"sensor":"temp","value":21.5}`))
	}
	data := testutil.BuildBatch(b, testutil.BatchOptions{Compression: core.CompressionLZ4}, msgs...)
	conv := NewConverter(Options{})
	filter := keyFilter("a", "e", "i", "o", "u")

	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out, err := conv.Rebatch(context.Background(), core.NewRawMessage(entryID, data), filter)
		if err != nil {
			b.Fatalf("Rebatch() error: %v", err)
		}
		_ = out.Close()
	}
}
