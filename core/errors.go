package core

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation is returned when a caller hands the engine an entry
	// that is already bound to a batch slot.
	ErrContractViolation = errors.New("contract violation")
	// ErrMalformedFrame is returned when a metadata frame cannot be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrCodecFailure is returned when a compressor cannot produce the declared bytes.
	ErrCodecFailure = errors.New("codec failure")
	// ErrUnknownCompressionType is returned when no compressor exists for a tag.
	ErrUnknownCompressionType = errors.New("unknown compression type")
	// ErrChecksumMismatch is returned when a CRC32C envelope does not match its content.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// FrameError describes where a frame failed to parse.
type FrameError struct {
	Section string // e.g., "message metadata", "single message 3"
	Offset  int    // byte offset within the section's buffer
	Message string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed %s at offset %d: %s", e.Section, e.Offset, e.Message)
}

// Unwrap lets errors.Is(err, ErrMalformedFrame) match.
func (e *FrameError) Unwrap() error {
	return ErrMalformedFrame
}

// UnknownCompressionError carries the offending tag or configuration name.
type UnknownCompressionError struct {
	Type CompressionType
	Name string
}

func (e *UnknownCompressionError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unknown compression type %q", e.Name)
	}
	return fmt.Sprintf("unknown compression type %d", int32(e.Type))
}

func (e *UnknownCompressionError) Unwrap() error {
	return ErrUnknownCompressionType
}

// IsMalformedFrame checks if an error (or any error in its chain) is a frame parse failure.
func IsMalformedFrame(err error) bool {
	return errors.Is(err, ErrMalformedFrame)
}

// IsContractViolation checks if an error signals caller misuse.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}

// IsCodecFailure checks if an error came from a compressor.
func IsCodecFailure(err error) bool {
	return errors.Is(err, ErrCodecFailure)
}

// IsUnknownCompression checks if an error is an UnknownCompressionError.
func IsUnknownCompression(err error) bool {
	var unknown *UnknownCompressionError
	return errors.As(err, &unknown) || errors.Is(err, ErrUnknownCompressionType)
}
