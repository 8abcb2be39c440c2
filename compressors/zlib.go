package compressors

import (
	"bytes"
	"io"

	"github.com/INLOpen/rawbatch/core"
	"github.com/klauspost/compress/zlib"
)

// ZlibCompressor implements the Compressor interface using zlib (RFC 1950) streams.
type ZlibCompressor struct {
	level int
}

var _ core.Compressor = (*ZlibCompressor)(nil)

func NewZlibCompressor() *ZlibCompressor {
	return &ZlibCompressor{level: zlib.DefaultCompression}
}

func (c *ZlibCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	w, err := zlib.NewWriterLevel(dst, c.level)
	if err != nil {
		return codecError(c.Type(), "compress", err)
	}
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return codecError(c.Type(), "compress", err)
	}
	if err := w.Close(); err != nil {
		return codecError(c.Type(), "compress", err)
	}
	return nil
}

func (c *ZlibCompressor) DecompressTo(dst *bytes.Buffer, src []byte, uncompressedSize int) error {
	dst.Reset()
	if err := checkDeclaredSize(c.Type(), uncompressedSize); err != nil {
		return err
	}
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return codecError(c.Type(), "decompress", err)
	}
	defer r.Close()

	// dst grows with the stream rather than the declared size.
	// Read one byte past the declared size so an oversized stream is detected.
	if _, err := dst.ReadFrom(io.LimitReader(r, int64(uncompressedSize)+1)); err != nil {
		return codecError(c.Type(), "decompress", err)
	}
	if dst.Len() != uncompressedSize {
		return sizeMismatch(c.Type(), uncompressedSize, dst.Len())
	}
	return nil
}

func (c *ZlibCompressor) Type() core.CompressionType {
	return core.CompressionZLIB
}
