package compressors

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/rawbatch/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using raw LZ4 blocks.
// The block format does not record the original size, which is why the
// declared uncompressed size travels in the batch metadata.
type LZ4Compressor struct{}

// lz4MaxRatio is the largest expansion one LZ4 block input byte can produce.
const lz4MaxRatio = 255

var _ core.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

// CompressTo compresses src data into the dst buffer using LZ4.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	if len(src) == 0 {
		return nil
	}
	bound := lz4.CompressBlockBound(len(src))
	dst.Grow(bound)
	out := dst.AvailableBuffer()[:bound]

	n, err := lz4.CompressBlock(src, out, nil)
	if err != nil {
		return codecError(c.Type(), "compress", err)
	}
	if n == 0 {
		return codecError(c.Type(), "compress", fmt.Errorf("zero bytes produced for %d byte input", len(src)))
	}
	dst.Write(out[:n])
	return nil
}

// DecompressTo decodes one LZ4 block of exactly uncompressedSize bytes.
func (c *LZ4Compressor) DecompressTo(dst *bytes.Buffer, src []byte, uncompressedSize int) error {
	dst.Reset()
	if uncompressedSize == 0 && len(src) == 0 {
		return nil
	}
	if err := checkDeclaredSize(c.Type(), uncompressedSize); err != nil {
		return err
	}
	if uncompressedSize > len(src)*lz4MaxRatio {
		return fmt.Errorf("%s decompress: declared %d bytes from a %d byte block: %w", c.Type(), uncompressedSize, len(src), core.ErrCodecFailure)
	}
	dst.Grow(uncompressedSize)
	out := dst.AvailableBuffer()[:uncompressedSize]

	n, err := lz4.UncompressBlock(src, out)
	if err != nil {
		return codecError(c.Type(), "decompress", err)
	}
	if n != uncompressedSize {
		return sizeMismatch(c.Type(), uncompressedSize, n)
	}
	dst.Write(out[:n])
	return nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}
