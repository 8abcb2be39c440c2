package core

import (
	"bytes"
	"strings"
)

// CompressionType identifies the codec applied to a batch body.
// The numeric values are part of the wire format and must not change.
type CompressionType int32

const (
	CompressionNone   CompressionType = 0
	CompressionLZ4    CompressionType = 1
	CompressionZLIB   CompressionType = 2
	CompressionZSTD   CompressionType = 3
	CompressionSnappy CompressionType = 4
)

// Compressor defines the interface for compression and decompression algorithms
// operating on whole batch bodies.
type Compressor interface {
	// CompressTo compresses src into dst. dst is reset first.
	CompressTo(dst *bytes.Buffer, src []byte) error
	// DecompressTo decompresses src into dst. The result must be exactly
	// uncompressedSize bytes long, anything else is a codec failure.
	DecompressTo(dst *bytes.Buffer, src []byte, uncompressedSize int) error
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZLIB:
		return "zlib"
	case CompressionZSTD:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zlib":
		return CompressionZLIB, nil
	case "zstd":
		return CompressionZSTD, nil
	case "snappy":
		return CompressionSnappy, nil
	default:
		return 0, &UnknownCompressionError{Type: -1, Name: s}
	}
}

const (
	// ChecksumSize is the size of a CRC32C checksum on the wire.
	ChecksumSize = 4
	// LengthPrefixSize is the size of every length prefix used by the frame codec.
	LengthPrefixSize = 4
)
