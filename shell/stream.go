package shell

import (
	"context"
	"errors"
	"io"
	"sync"
)

// StreamSource is the backend half of an OutputStream.
type StreamSource interface {
	// TryRead reads output bytes. It returns io.EOF once the backend has no more output.
	TryRead(p []byte) (int, error)

	// Completion reports how the execution ended, waiting for it if necessary.
	// It is only called after TryRead reported exhaustion. The error is non-nil only if waiting was interrupted.
	Completion(ctx context.Context) (Completion, error)
}

// OutputStream is the output of a Worker.
//
// A read that returns bytes never consults the backend about failure, because diagnostic channels
// like stderr can carry non-fatal noise while the output is still valid. Only when the backend runs
// out of bytes does the stream ask for the Completion: a non-zero code becomes a *WorkerError, and
// otherwise the stream ends with io.EOF. Once a read has returned an error, every later read returns
// the same error.
type OutputStream struct {
	ctx   context.Context
	owner Worker
	src   StreamSource

	mu      sync.Mutex
	pending error
	final   error
}

// NewOutputStream builds the output stream for owner. Waiting for completion is bounded by ctx.
func NewOutputStream(ctx context.Context, owner Worker, src StreamSource) *OutputStream {
	return &OutputStream{ctx: ctx, owner: owner, src: src}
}

func (s *OutputStream) Read(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.final != nil {
		return 0, s.final
	}
	if len(p) == 0 {
		return 0, nil
	}

	if s.pending != nil {
		err, s.pending = s.pending, nil
	} else {
		n, err = s.tryRead(p)
	}
	if n == 0 && err == nil {
		return 0, nil
	}
	if n > 0 {
		// hold the error until the caller has consumed these bytes
		s.pending = err
		return n, nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.final = s.wrap(err)
		return 0, s.final
	}

	c, err := s.src.Completion(s.ctx)
	if err != nil {
		s.final = s.wrap(err)
		return 0, s.final
	}
	if c.Failed() {
		code := c.Code
		s.final = &WorkerError{Code: &code, Cause: c.Cause, worker: s.owner}
		return 0, s.final
	}
	s.final = io.EOF
	return 0, io.EOF
}

// maxEmptyReads bounds how often Read retries a source that returns no bytes and no error.
const maxEmptyReads = 100

// tryRead reads from the source, skipping empty reads such as those produced by empty pipe writes.
// Only io.EOF means the source is exhausted.
func (s *OutputStream) tryRead(p []byte) (n int, err error) {
	for i := 0; i < maxEmptyReads; i++ {
		n, err = s.src.TryRead(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
	return 0, nil
}

// wrap classifies a failure that happened before any code was known.
// Cancellation passes through untouched, and so do failures that already carry their origin.
func (s *OutputStream) wrap(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var werr *WorkerError
	if errors.As(err, &werr) {
		return err
	}
	return &WorkerError{Cause: err, worker: s.owner}
}
