package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/rawbatch/core"
)

// NoCompressionCompressor implements the Compressor interface without performing compression.
type NoCompressionCompressor struct{}

var _ core.Compressor = (*NoCompressionCompressor)(nil)

func NewNoCompressionCompressor() *NoCompressionCompressor {
	return &NoCompressionCompressor{}
}

// CompressTo "compresses" src data into the dst buffer by simply writing it.
func (c *NoCompressionCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	_, err := dst.Write(src)
	return err
}

// DecompressTo copies src into dst after checking the declared size.
func (c *NoCompressionCompressor) DecompressTo(dst *bytes.Buffer, src []byte, uncompressedSize int) error {
	dst.Reset()
	if err := checkDeclaredSize(c.Type(), uncompressedSize); err != nil {
		return err
	}
	if len(src) != uncompressedSize {
		return sizeMismatch(c.Type(), uncompressedSize, len(src))
	}
	_, err := dst.Write(src)
	return err
}

func (c *NoCompressionCompressor) Type() core.CompressionType {
	return core.CompressionNone
}

// MaxUncompressedSize bounds the declared size of a decompressed batch body.
// It matches the largest record a ledger segment accepts.
const MaxUncompressedSize = 64 * 1024 * 1024

// checkDeclaredSize rejects a declared size before any buffer is sized from it.
func checkDeclaredSize(ct core.CompressionType, declared int) error {
	if declared < 0 || declared > MaxUncompressedSize {
		return fmt.Errorf("%s decompress: declared size %d outside [0, %d]: %w", ct, declared, MaxUncompressedSize, core.ErrCodecFailure)
	}
	return nil
}

func sizeMismatch(ct core.CompressionType, want, got int) error {
	return fmt.Errorf("%s decompress: declared %d bytes, produced %d: %w", ct, want, got, core.ErrCodecFailure)
}

func codecError(ct core.CompressionType, op string, err error) error {
	return fmt.Errorf("%s %s error: %v: %w", ct, op, err, core.ErrCodecFailure)
}
