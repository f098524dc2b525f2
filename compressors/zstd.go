package compressors

import (
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

const ZstdName = "zstd"

// decoders refuse frames that would need more memory than this.
const zstdMaxDecoderMemory = 100 * 1024 * 1024

// ZstdCompressor implements the gRPC Compressor interface using ZSTD.
type ZstdCompressor struct {
	encoderPool sync.Pool
	decoderPool sync.Pool
}

var _ encoding.Compressor = (*ZstdCompressor)(nil)

func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{}
}

type zstdWriter struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (w *zstdWriter) Close() error {
	defer w.pool.Put(w.Encoder)
	if err := w.Encoder.Close(); err != nil {
		return fmt.Errorf("zstd compress close error: %w", err)
	}
	return nil
}

func (c *ZstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	enc.Reset(w)
	return &zstdWriter{Encoder: enc, pool: &c.encoderPool}, nil
}

func (c *ZstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok {
		var err error
		dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(zstdMaxDecoderMemory))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}
	if err := dec.Reset(r); err != nil {
		c.decoderPool.Put(dec)
		return nil, fmt.Errorf("zstd decoder reset error: %w", err)
	}
	// Do not Close the decoder: that invalidates it for reuse.
	return &pooledReader{Reader: dec, release: func() { c.decoderPool.Put(dec) }}, nil
}

func (c *ZstdCompressor) Name() string {
	return ZstdName
}
