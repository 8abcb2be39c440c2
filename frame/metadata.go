package frame

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/INLOpen/rawbatch/core"
)

// MessageMetadata field numbers.
const (
	mdFieldProducerName       protowire.Number = 1
	mdFieldSequenceID         protowire.Number = 2
	mdFieldPublishTime        protowire.Number = 3
	mdFieldPartitionKey       protowire.Number = 6
	mdFieldCompression        protowire.Number = 8
	mdFieldUncompressedSize   protowire.Number = 9
	mdFieldNumMessagesInBatch protowire.Number = 11
	mdFieldEncryptionKeys     protowire.Number = 13
)

const metadataSection = "message metadata"

// MessageMetadata is the entry-level metadata frame. Only the fields the
// rewriter needs are decoded; all others (properties, schema version,
// encryption keys, ...) are kept as raw protobuf and written back unchanged.
type MessageMetadata struct {
	ProducerName string
	SequenceID   uint64
	PublishTime  uint64

	PartitionKey    string
	HasPartitionKey bool

	Compression core.CompressionType

	UncompressedSize    uint32
	HasUncompressedSize bool

	NumMessagesInBatch    int32
	HasNumMessagesInBatch bool

	// EncryptionKeysCount is the number of encryption_keys entries. The keys
	// themselves stay in the passthrough fields.
	EncryptionKeysCount int

	// explicitNone records a compression field that was present on the wire
	// with the NONE value, so it is written back.
	explicitNone bool
	unknown      []byte
}

// UnmarshalMessageMetadata decodes a serialized MessageMetadata.
func UnmarshalMessageMetadata(b []byte) (*MessageMetadata, error) {
	md := &MessageMetadata{}
	unknown, err := consumeFields(metadataSection, b, func(f field) (bool, error) {
		switch f.num {
		case mdFieldProducerName:
			v, ok := f.bytes()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.ProducerName = string(v)
		case mdFieldSequenceID:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.SequenceID = v
		case mdFieldPublishTime:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.PublishTime = v
		case mdFieldPartitionKey:
			v, ok := f.bytes()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.PartitionKey = string(v)
			md.HasPartitionKey = true
		case mdFieldCompression:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.Compression = core.CompressionType(int32(v))
			md.explicitNone = md.Compression == core.CompressionNone
		case mdFieldUncompressedSize:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.UncompressedSize = uint32(v)
			md.HasUncompressedSize = true
		case mdFieldNumMessagesInBatch:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(metadataSection, f)
			}
			md.NumMessagesInBatch = int32(v)
			md.HasNumMessagesInBatch = true
		case mdFieldEncryptionKeys:
			md.EncryptionKeysCount++
			return false, nil
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if md.HasNumMessagesInBatch && md.NumMessagesInBatch < 0 {
		return nil, &core.FrameError{Section: metadataSection, Offset: 0, Message: "negative num_messages_in_batch"}
	}
	md.unknown = unknown
	return md, nil
}

// AppendProto appends the protobuf encoding of md to b. Known fields are
// written in field-number order, followed by the passthrough fields.
func (md *MessageMetadata) AppendProto(b []byte) []byte {
	b = appendStringField(b, mdFieldProducerName, md.ProducerName)
	b = appendVarintField(b, mdFieldSequenceID, md.SequenceID)
	b = appendVarintField(b, mdFieldPublishTime, md.PublishTime)
	if md.HasPartitionKey {
		b = appendStringField(b, mdFieldPartitionKey, md.PartitionKey)
	}
	if md.Compression != core.CompressionNone || md.explicitNone {
		b = appendVarintField(b, mdFieldCompression, uint64(int64(md.Compression)))
	}
	if md.HasUncompressedSize {
		b = appendVarintField(b, mdFieldUncompressedSize, uint64(md.UncompressedSize))
	}
	if md.HasNumMessagesInBatch {
		b = appendVarintField(b, mdFieldNumMessagesInBatch, uint64(int64(md.NumMessagesInBatch)))
	}
	return append(b, md.unknown...)
}

// Clone returns a deep copy, passthrough fields included.
func (md *MessageMetadata) Clone() *MessageMetadata {
	c := *md
	c.unknown = append([]byte(nil), md.unknown...)
	return &c
}

// SetUncompressedSize records the size of the decompressed batch body.
func (md *MessageMetadata) SetUncompressedSize(n int) {
	md.UncompressedSize = uint32(n)
	md.HasUncompressedSize = true
}

// SetNumMessagesInBatch marks the entry as a batch of n messages.
func (md *MessageMetadata) SetNumMessagesInBatch(n int) {
	md.NumMessagesInBatch = int32(n)
	md.HasNumMessagesInBatch = true
}

// AddEncryptionKey appends an encryption_keys entry with the given key name
// and opaque value.
func (md *MessageMetadata) AddEncryptionKey(key string, value []byte) {
	var entry []byte
	entry = appendStringField(entry, 1, key)
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, value)

	md.unknown = protowire.AppendTag(md.unknown, mdFieldEncryptionKeys, protowire.BytesType)
	md.unknown = protowire.AppendBytes(md.unknown, entry)
	md.EncryptionKeysCount++
}

// AddProperty appends a key/value property, carried as a passthrough field.
func (md *MessageMetadata) AddProperty(key, value string) {
	md.unknown = appendKeyValue(md.unknown, 4, key, value)
}

// IsBatch reports whether the entry is a batch the engine can open: it must
// declare a message count and carry no per-message encryption keys.
func IsBatch(md *MessageMetadata) bool {
	return md.HasNumMessagesInBatch && md.EncryptionKeysCount == 0
}

func appendKeyValue(b []byte, num protowire.Number, key, value string) []byte {
	var kv []byte
	kv = appendStringField(kv, 1, key)
	kv = appendStringField(kv, 2, value)
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, kv)
}
