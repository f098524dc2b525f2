package compressors

import (
	"io"
	"sync"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
)

const SnappyName = "snappy"

// SnappyCompressor implements the gRPC Compressor interface using the Snappy
// framing format.
type SnappyCompressor struct {
	writerPool sync.Pool
	readerPool sync.Pool
}

var _ encoding.Compressor = (*SnappyCompressor)(nil)

func NewSnappyCompressor() *SnappyCompressor {
	return &SnappyCompressor{
		writerPool: sync.Pool{New: func() any { return snappy.NewBufferedWriter(nil) }},
		readerPool: sync.Pool{New: func() any { return snappy.NewReader(nil) }},
	}
}

type snappyWriter struct {
	*snappy.Writer
	pool *sync.Pool
}

func (w *snappyWriter) Close() error {
	defer w.pool.Put(w.Writer)
	return w.Writer.Close()
}

func (c *SnappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	sw := c.writerPool.Get().(*snappy.Writer)
	sw.Reset(w)
	return &snappyWriter{Writer: sw, pool: &c.writerPool}, nil
}

func (c *SnappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	sr := c.readerPool.Get().(*snappy.Reader)
	sr.Reset(r)
	return &pooledReader{Reader: sr, release: func() { c.readerPool.Put(sr) }}, nil
}

func (c *SnappyCompressor) Name() string {
	return SnappyName
}
