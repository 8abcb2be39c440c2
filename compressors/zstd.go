package compressors

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/INLOpen/rawbatch/core"
	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor implements the Compressor interface using single zstd frames.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ core.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		encoderPool: sync.Pool{
			New: func() interface{} {
				enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
				if err != nil {
					slog.Error("Error creating new zstd encoder", "error", err)
					return nil
				}
				return enc
			},
		},
		decoderPool: sync.Pool{
			New: func() interface{} {
				dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(256*1024*1024))
				if err != nil {
					slog.Error("Error creating new zstd decoder", "error", err)
					return nil
				}
				return dec
			},
		},
	}
}

// CompressTo compresses src data into the dst buffer as one zstd frame.
func (c *ZstdCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok || enc == nil {
		return codecError(c.Type(), "compress", errEncoderUnavailable)
	}
	defer c.encoderPool.Put(enc)

	dst.Grow(enc.MaxEncodedSize(len(src)))
	out := enc.EncodeAll(src, dst.AvailableBuffer())
	dst.Write(out)
	return nil
}

func (c *ZstdCompressor) DecompressTo(dst *bytes.Buffer, src []byte, uncompressedSize int) error {
	dst.Reset()
	if err := checkDeclaredSize(c.Type(), uncompressedSize); err != nil {
		return err
	}
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok || dec == nil {
		return codecError(c.Type(), "decompress", errDecoderUnavailable)
	}
	defer c.decoderPool.Put(dec)

	dst.Grow(uncompressedSize)
	out, err := dec.DecodeAll(src, dst.AvailableBuffer())
	if err != nil {
		return codecError(c.Type(), "decompress", err)
	}
	if len(out) != uncompressedSize {
		return sizeMismatch(c.Type(), uncompressedSize, len(out))
	}
	dst.Write(out)
	return nil
}

func (c *ZstdCompressor) Type() core.CompressionType {
	return core.CompressionZSTD
}
