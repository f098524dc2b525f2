package compressors

import (
	"fmt"
	"io"
	"sync"

	lz4 "github.com/pierrec/lz4/v4"
	"google.golang.org/grpc/encoding"
)

const LZ4Name = "lz4"

// LZ4Compressor implements the gRPC Compressor interface using the LZ4 frame format.
type LZ4Compressor struct {
	writerPool sync.Pool
	readerPool sync.Pool
}

var _ encoding.Compressor = (*LZ4Compressor)(nil)

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{
		writerPool: sync.Pool{New: func() any { return lz4.NewWriter(nil) }},
		readerPool: sync.Pool{New: func() any { return lz4.NewReader(nil) }},
	}
}

type lz4Writer struct {
	*lz4.Writer
	pool *sync.Pool
}

func (w *lz4Writer) Close() error {
	defer w.pool.Put(w.Writer)
	if err := w.Writer.Close(); err != nil {
		return fmt.Errorf("lz4 compress close error: %w", err)
	}
	return nil
}

func (c *LZ4Compressor) Compress(w io.Writer) (io.WriteCloser, error) {
	lw := c.writerPool.Get().(*lz4.Writer)
	lw.Reset(w)
	return &lz4Writer{Writer: lw, pool: &c.writerPool}, nil
}

func (c *LZ4Compressor) Decompress(r io.Reader) (io.Reader, error) {
	lr := c.readerPool.Get().(*lz4.Reader)
	lr.Reset(r)
	return &pooledReader{Reader: lr, release: func() { c.readerPool.Put(lr) }}, nil
}

func (c *LZ4Compressor) Name() string {
	return LZ4Name
}

// pooledReader hands its decoder back to the pool once the stream is drained.
type pooledReader struct {
	io.Reader
	release func()
	done    bool
}

func (p *pooledReader) Read(b []byte) (int, error) {
	if p.done {
		return 0, io.EOF
	}
	n, err := p.Reader.Read(b)
	if err == io.EOF {
		p.done = true
		p.release()
	}
	return n, err
}
