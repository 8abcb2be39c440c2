// Package frame reads and writes the binary layout of batched ledger entries:
// the outer checksum envelope and MessageMetadata, and the per-message
// SingleMessageMetadata frames inside a decompressed batch body.
//
// Metadata is protobuf-encoded. Fields the engine does not interpret are
// carried through unchanged so a rewritten entry keeps everything the
// producer attached to it.
package frame

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/INLOpen/rawbatch/core"
)

// field is one protobuf field as found on the wire.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	value []byte // encoded value, without the tag
}

func (f field) varint() (uint64, bool) {
	if f.typ != protowire.VarintType {
		return 0, false
	}
	v, n := protowire.ConsumeVarint(f.value)
	return v, n >= 0
}

func (f field) bytes() ([]byte, bool) {
	if f.typ != protowire.BytesType {
		return nil, false
	}
	v, n := protowire.ConsumeBytes(f.value)
	return v, n >= 0
}

// consumeFields walks every field of a protobuf message. Fields for which fn
// returns false are appended, tag included, to the returned unknown buffer.
func consumeFields(section string, b []byte, fn func(f field) (bool, error)) ([]byte, error) {
	var unknown []byte
	offset := 0
	for offset < len(b) {
		start := offset
		num, typ, n := protowire.ConsumeTag(b[offset:])
		if n < 0 {
			return nil, &core.FrameError{Section: section, Offset: offset, Message: protowire.ParseError(n).Error()}
		}
		offset += n
		vn := protowire.ConsumeFieldValue(num, typ, b[offset:])
		if vn < 0 {
			return nil, &core.FrameError{Section: section, Offset: offset, Message: protowire.ParseError(vn).Error()}
		}
		f := field{num: num, typ: typ, value: b[offset : offset+vn]}
		offset += vn

		handled, err := fn(f)
		if err != nil {
			return nil, err
		}
		if !handled {
			unknown = append(unknown, b[start:offset]...)
		}
	}
	return unknown, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func wrongType(section string, f field) error {
	return &core.FrameError{Section: section, Offset: 0, Message: fmt.Sprintf("field %d has unexpected wire type %d", f.num, f.typ)}
}
