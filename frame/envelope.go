package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/rawbatch/core"
)

// ChecksumType selects the envelope written in front of the metadata.
type ChecksumType int

const (
	// ChecksumNone writes metadataSize | metadata | payload.
	ChecksumNone ChecksumType = iota
	// ChecksumCRC32C prefixes magic | crc32c, the checksum covering everything after it.
	ChecksumCRC32C
)

// String returns the configuration name of the checksum type.
func (c ChecksumType) String() string {
	switch c {
	case ChecksumNone:
		return "none"
	case ChecksumCRC32C:
		return "crc32c"
	default:
		return "unknown"
	}
}

// ParseChecksumType maps a configuration string to a ChecksumType.
func ParseChecksumType(s string) (ChecksumType, error) {
	switch s {
	case "none":
		return ChecksumNone, nil
	case "", "crc32c":
		return ChecksumCRC32C, nil
	default:
		return 0, fmt.Errorf("unknown checksum type %q", s)
	}
}

const magicCrc32c uint16 = 0x0e01

const (
	magicSize       = 2
	envelopeSize    = magicSize + core.ChecksumSize
	outerSection    = "headers and payload"
	maxMetadataSize = 5 * 1024 * 1024
)

// crc32cTable is a pre-calculated table for the Castagnoli polynomial, used for CRC-32C checksums.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func hasChecksum(b []byte) bool {
	return len(b) >= magicSize && binary.BigEndian.Uint16(b) == magicCrc32c
}

// HasChecksum reports whether headersAndPayload starts with a CRC32C envelope.
func HasChecksum(headersAndPayload []byte) bool {
	return hasChecksum(headersAndPayload)
}

// VerifyChecksum checks the CRC32C envelope if one is present. Entries
// without an envelope verify trivially.
func VerifyChecksum(headersAndPayload []byte) error {
	if !hasChecksum(headersAndPayload) {
		return nil
	}
	if len(headersAndPayload) < envelopeSize {
		return &core.FrameError{Section: outerSection, Offset: magicSize, Message: "truncated checksum"}
	}
	want := binary.BigEndian.Uint32(headersAndPayload[magicSize:])
	got := crc32.Checksum(headersAndPayload[envelopeSize:], crc32cTable)
	if want != got {
		return fmt.Errorf("crc32c: stored %08x, computed %08x: %w", want, got, core.ErrChecksumMismatch)
	}
	return nil
}

// ParseMessageMetadata decodes the outer metadata frame and returns it along
// with a view of the (still compressed) body. The body is not copied.
func ParseMessageMetadata(headersAndPayload []byte) (*MessageMetadata, []byte, error) {
	b := headersAndPayload
	offset := 0
	if hasChecksum(b) {
		if len(b) < envelopeSize {
			return nil, nil, &core.FrameError{Section: outerSection, Offset: magicSize, Message: "truncated checksum"}
		}
		offset = envelopeSize
	}
	if len(b)-offset < core.LengthPrefixSize {
		return nil, nil, &core.FrameError{Section: outerSection, Offset: offset, Message: "truncated metadata size"}
	}
	mdSize := int(binary.BigEndian.Uint32(b[offset:]))
	offset += core.LengthPrefixSize
	if mdSize > maxMetadataSize || mdSize > len(b)-offset {
		return nil, nil, &core.FrameError{Section: outerSection, Offset: offset, Message: fmt.Sprintf("metadata size %d exceeds remaining %d bytes", mdSize, len(b)-offset)}
	}
	md, err := UnmarshalMessageMetadata(b[offset : offset+mdSize])
	if err != nil {
		return nil, nil, err
	}
	return md, b[offset+mdSize:], nil
}

// SerializeMetadataAndPayload writes the outer frame for md and payload into
// dst, which is reset first.
func SerializeMetadataAndPayload(dst *bytes.Buffer, checksum ChecksumType, md *MessageMetadata, payload []byte) {
	dst.Reset()
	mdBytes := md.AppendProto(nil)

	var header [envelopeSize + core.LengthPrefixSize]byte
	headerLen := core.LengthPrefixSize
	if checksum == ChecksumCRC32C {
		headerLen += envelopeSize
	}
	sizeOffset := headerLen - core.LengthPrefixSize
	binary.BigEndian.PutUint32(header[sizeOffset:], uint32(len(mdBytes)))

	if checksum == ChecksumCRC32C {
		binary.BigEndian.PutUint16(header[0:], magicCrc32c)
		crc := crc32.Update(0, crc32cTable, header[sizeOffset:headerLen])
		crc = crc32.Update(crc, crc32cTable, mdBytes)
		crc = crc32.Update(crc, crc32cTable, payload)
		binary.BigEndian.PutUint32(header[magicSize:], crc)
	}

	dst.Grow(headerLen + len(mdBytes) + len(payload))
	dst.Write(header[:headerLen])
	dst.Write(mdBytes)
	dst.Write(payload)
}
