// Package tailbuf provides a goroutine-safe writer that keeps only the most recent bytes written to it.
package tailbuf

import (
	"sync"

	"github.com/armon/circbuf"
)

const DefaultSize = 64 * 1024

// Buffer is a fixed-capacity circular byte buffer. Writes never fail; once full, the oldest bytes are evicted.
type Buffer struct {
	mu  sync.Mutex
	buf *circbuf.Buffer
}

func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultSize
	}
	buf, err := circbuf.NewBuffer(int64(capacity))
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Buffer{buf: buf}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Bytes returns a copy of the retained bytes, oldest first.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Dropped returns the number of bytes evicted so far.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.TotalWritten() - int64(b.len())
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.len()
}

func (b *Buffer) len() int {
	if b.buf.TotalWritten() < b.buf.Size() {
		return int(b.buf.TotalWritten())
	}
	return int(b.buf.Size())
}
