package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/guseggert/shellpipe/internal/tailbuf"
)

// Stage is a started Script: the worker running it, and the stage feeding it.
type Stage struct {
	Worker
	Script   *Script
	Upstream *Stage

	abandoned atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Close closes this stage's worker and then every upstream stage.
func (s *Stage) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.Worker.Close()
		if s.Upstream != nil {
			if err := s.Upstream.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// Abandon marks the stage as cut off by its consumer and closes it.
func (s *Stage) Abandon() {
	s.abandoned.Store(true)
	_ = s.Close()
}

// Abandoned reports whether the stage's consumer stopped reading before the stage finished.
func (s *Stage) Abandoned() bool { return s.abandoned.Load() }

func (s *Stage) find(w Worker) *Stage {
	for st := s; st != nil; st = st.Upstream {
		if st.Worker == w {
			return st
		}
	}
	return nil
}

// fail turns a failure observed while draining the pipeline into the error the caller sees.
// Backend failures become a *ScriptError naming the stage that failed, with its diagnostic.
func (s *Stage) fail(ctx context.Context, err error, output string) error {
	if isCancellation(ctx, err) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	var werr *WorkerError
	if !errors.As(err, &werr) {
		return fmt.Errorf("running script %q: %w", firstLine(s.Script.Text), err)
	}
	failed := s.find(werr.worker)
	if failed == nil {
		failed = s
	}
	return &ScriptError{
		Script:  failed.Script.Text,
		Output:  output,
		Message: failed.ReadErrorMessage(ctx),
		Err:     werr,
	}
}

// upstreamOutput is the input a stage reads from the stage before it.
type upstreamOutput struct {
	stage *Stage
}

func (u *upstreamOutput) Read(p []byte) (int, error) { return u.stage.Output().Read(p) }

func (u *upstreamOutput) Abandon() { u.stage.Abandon() }

// streamReader hands the output of a pipeline to the caller.
type streamReader struct {
	ctx       context.Context
	stage     *Stage
	collected *tailbuf.Buffer

	mu   sync.Mutex
	done error
}

func (r *streamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return 0, r.done
	}

	n, err := r.stage.Output().Read(p)
	if n > 0 {
		_, _ = r.collected.Write(p[:n])
	}
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		err = EnsureCompleted(r.ctx, r.stage)
	}
	if err != nil {
		err = r.stage.fail(r.ctx, err, r.collected.String())
	} else {
		err = io.EOF
	}
	r.done = err
	_ = r.stage.Close()
	return n, err
}

func (r *streamReader) Close() error {
	r.mu.Lock()
	if r.done == nil {
		r.done = errors.New("read from closed pipeline output")
	}
	r.mu.Unlock()
	return r.stage.Close()
}
