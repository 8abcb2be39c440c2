package frame

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/INLOpen/rawbatch/core"
)

// SingleMessageMetadata field numbers.
const (
	smFieldProperties   protowire.Number = 1
	smFieldPartitionKey protowire.Number = 2
	smFieldPayloadSize  protowire.Number = 3
	smFieldCompactedOut protowire.Number = 4
)

const singleSection = "single message metadata"

// SingleMessageMetadata describes one message inside a batch body. The
// payload size is owned by the frame codec: it is read from the wire on
// decode and derived from the payload slice on encode.
type SingleMessageMetadata struct {
	PartitionKey    string
	HasPartitionKey bool
	CompactedOut    bool

	payloadSize    int32
	hasPayloadSize bool
	unknown        []byte
}

// CompactedOutPlaceholder returns the metadata written in place of a message
// removed by compaction: every field cleared except compacted_out.
func CompactedOutPlaceholder() *SingleMessageMetadata {
	return &SingleMessageMetadata{CompactedOut: true}
}

// UnmarshalSingleMessageMetadata decodes a serialized SingleMessageMetadata.
func UnmarshalSingleMessageMetadata(b []byte) (*SingleMessageMetadata, error) {
	md := &SingleMessageMetadata{}
	unknown, err := consumeFields(singleSection, b, func(f field) (bool, error) {
		switch f.num {
		case smFieldPartitionKey:
			v, ok := f.bytes()
			if !ok {
				return false, wrongType(singleSection, f)
			}
			md.PartitionKey = string(v)
			md.HasPartitionKey = true
		case smFieldPayloadSize:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(singleSection, f)
			}
			md.payloadSize = int32(v)
			md.hasPayloadSize = true
		case smFieldCompactedOut:
			v, ok := f.varint()
			if !ok {
				return false, wrongType(singleSection, f)
			}
			md.CompactedOut = v != 0
		default:
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !md.hasPayloadSize {
		return nil, &core.FrameError{Section: singleSection, Offset: len(b), Message: "missing required payload_size"}
	}
	if md.payloadSize < 0 {
		return nil, &core.FrameError{Section: singleSection, Offset: 0, Message: "negative payload_size"}
	}
	md.unknown = unknown
	return md, nil
}

// PayloadSize returns the payload length read from the wire.
func (md *SingleMessageMetadata) PayloadSize() int {
	return int(md.payloadSize)
}

// AppendProto appends the protobuf encoding of md for a payload of
// payloadSize bytes.
func (md *SingleMessageMetadata) AppendProto(b []byte, payloadSize int) []byte {
	if md.HasPartitionKey {
		b = appendStringField(b, smFieldPartitionKey, md.PartitionKey)
	}
	b = appendVarintField(b, smFieldPayloadSize, uint64(int64(payloadSize)))
	if md.CompactedOut {
		b = appendVarintField(b, smFieldCompactedOut, 1)
	}
	return append(b, md.unknown...)
}

// AddProperty appends a key/value property, carried as a passthrough field.
func (md *SingleMessageMetadata) AddProperty(key, value string) {
	md.unknown = appendKeyValue(md.unknown, smFieldProperties, key, value)
}
