package compressors

import (
	"bytes"

	"github.com/INLOpen/rawbatch/core"
	"github.com/golang/snappy"
)

// SnappyCompressor implements the Compressor interface using the Snappy block format.
type SnappyCompressor struct{}

var _ core.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{}
}

// CompressTo compresses src data into the dst buffer using Snappy.
// The block format, not the framed stream format, is what the batch layout expects.
func (c *SnappyCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	bound := snappy.MaxEncodedLen(len(src))
	if bound < 0 {
		return codecError(c.Type(), "compress", snappy.ErrTooLarge)
	}
	dst.Grow(bound)
	encoded := snappy.Encode(dst.AvailableBuffer()[:bound], src)
	dst.Write(encoded)
	return nil
}

func (c *SnappyCompressor) DecompressTo(dst *bytes.Buffer, src []byte, uncompressedSize int) error {
	dst.Reset()
	if err := checkDeclaredSize(c.Type(), uncompressedSize); err != nil {
		return err
	}
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return codecError(c.Type(), "decompress", err)
	}
	if n != uncompressedSize {
		return sizeMismatch(c.Type(), uncompressedSize, n)
	}
	dst.Grow(n)
	decoded, err := snappy.Decode(dst.AvailableBuffer()[:n], src)
	if err != nil {
		return codecError(c.Type(), "decompress", err)
	}
	dst.Write(decoded)
	return nil
}

func (c *SnappyCompressor) Type() core.CompressionType {
	return core.CompressionSnappy
}
