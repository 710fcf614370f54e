package filetransfer

import (
	"io"
	"sync/atomic"
)

// CountingReader wraps an io.Reader and atomically accumulates the number
// of bytes read, so a monitor goroutine can sample Count() without
// synchronizing with the data-path thread doing the actual reads.
type CountingReader struct {
	r     io.Reader
	count atomic.Int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.count.Add(int64(n))
	}
	return n, err
}

// Count returns the total bytes read so far.
func (c *CountingReader) Count() int64 { return c.count.Load() }

// CountingWriter wraps an io.Writer and atomically accumulates the number
// of bytes written.
type CountingWriter struct {
	w     io.Writer
	count atomic.Int64
}

// NewCountingWriter wraps w.
func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.count.Add(int64(n))
	}
	return n, err
}

// Count returns the total bytes written so far.
func (c *CountingWriter) Count() int64 { return c.count.Load() }
