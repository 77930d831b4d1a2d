// Package relay moves bytes between a source and a sink under cancellation.
//
// Reads happen on a pump goroutine, so the copy loop itself never blocks on a single read call.
// Between chunks, the loop wakes up every poll interval to check for cancellation and to flush
// buffered partial output, which keeps interactive and slow sources responsive.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 20 * time.Millisecond
	ChunkSize           = 4096
)

// ErrConsumerGone is returned by Input when the destination stopped accepting bytes.
// This is how a pipe reports that its reader went away, so it is not a relay fault.
var ErrConsumerGone = errors.New("destination stopped accepting input")

var defaultLogger = zap.NewNop().Sugar()

type config struct {
	pollInterval time.Duration
	log          *zap.SugaredLogger
	beforeClose  func(error)
}

type Option func(c *config)

// WithPollInterval sets how often the relay wakes up to flush partial output while waiting for the source.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *config) {
		c.log = l.Named("relay")
	}
}

// BeforeClose registers a function that Input calls with its result right before it closes the destination.
// Backends use this to record a fault before the receiving side can observe end of input.
func BeforeClose(f func(err error)) Option {
	return func(c *config) {
		c.beforeClose = f
	}
}

func newConfig(opts []Option) *config {
	c := &config{
		pollInterval: DefaultPollInterval,
		log:          defaultLogger,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SinkError wraps a failure to write to, or flush, the destination.
type SinkError struct {
	Err error
}

func (e *SinkError) Error() string { return fmt.Sprintf("writing to sink: %s", e.Err) }
func (e *SinkError) Unwrap() error { return e.Err }

type chunk struct {
	b   []byte
	err error
}

// pump reads src until it fails, handing each chunk to the returned channel.
// The goroutine exits once a read fails or done is closed, but a read that never returns keeps it parked,
// so owners should close the source when they are done with it.
func pump(src io.Reader, size int, done <-chan struct{}) <-chan chunk {
	ch := make(chan chunk)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, size)
			n, err := src.Read(buf)
			if n == 0 && err == nil {
				continue
			}
			select {
			case ch <- chunk{b: buf[:n], err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

type flusher interface{ Flush() error }
type httpFlusher interface{ Flush() }

// Stream copies src into dst until src is exhausted, a read or write fails, or ctx is done.
// Partial output is flushed whenever the source goes quiet for a poll interval, and on exit.
// Exhaustion returns a nil error; cancellation returns ctx.Err() without waiting for the source.
func Stream(ctx context.Context, dst io.Writer, src io.Reader, opts ...Option) (int64, error) {
	return stream(ctx, dst, src, ChunkSize, newConfig(opts))
}

func stream(ctx context.Context, dst io.Writer, src io.Reader, size int, cfg *config) (int64, error) {
	done := make(chan struct{})
	defer close(done)
	chunks := pump(src, size, done)

	bw := bufio.NewWriterSize(dst, size)
	flush := func() error {
		if err := bw.Flush(); err != nil {
			return &SinkError{Err: err}
		}
		switch f := dst.(type) {
		case flusher:
			if err := f.Flush(); err != nil {
				return &SinkError{Err: err}
			}
		case httpFlusher:
			f.Flush()
		}
		return nil
	}

	ticker := time.NewTicker(cfg.pollInterval)
	defer ticker.Stop()

	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return written, flush()
			}
			if len(c.b) > 0 {
				n, err := bw.Write(c.b)
				written += int64(n)
				if err != nil {
					return written, &SinkError{Err: err}
				}
			}
			if c.err == nil {
				continue
			}
			flushErr := flush()
			if errors.Is(c.err, io.EOF) {
				return written, flushErr
			}
			cfg.log.Debugf("source read failed after %d bytes: %s", written, c.err)
			return written, c.err
		case <-ticker.C:
			if bw.Buffered() == 0 {
				continue
			}
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
}
