package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/guseggert/shellpipe/internal/relay"
	"github.com/guseggert/shellpipe/internal/tailbuf"
	"github.com/guseggert/shellpipe/shell"
	"go.uber.org/zap"
)

// Worker is a script running as a local process.
type Worker struct {
	log *zap.SugaredLogger

	// ctx is the caller's context; relayCtx also ends when the worker is closed.
	ctx         context.Context
	relayCtx    context.Context
	cancelRelay func()

	proc   *shell.Process
	stdout *os.File
	stderr *tailbuf.Buffer
	output *shell.OutputStream

	faultMut sync.Mutex
	fault    error

	closeOnce sync.Once
}

func start(ctx context.Context, opts *Options, info shell.ExecInfo, req shell.StartRequest) (*Worker, error) {
	log := opts.logger().Named("local")

	cmd := exec.Command(info.Program, info.Args...)
	cmd.Dir = req.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	// A real pipe rather than cmd.StdoutPipe, so the wait in the registry never discards unread output.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	stderr := tailbuf.New(opts.StderrTail)
	cmd.Stderr = stderr

	var stdinR, stdinW *os.File
	if req.Input != nil {
		stdinR, stdinW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		cmd.Stdin = stdinR
	}

	proc, err := opts.registry().Start(cmd)
	// the child has its own copies of these now
	stdoutW.Close()
	if stdinR != nil {
		stdinR.Close()
	}
	if err != nil {
		stdoutR.Close()
		if stdinW != nil {
			stdinW.Close()
		}
		return nil, fmt.Errorf("starting %s: %w", info.Program, err)
	}
	log.Debugw("started process", "Program", info.Program, "PID", cmd.Process.Pid, "Dir", req.Dir)

	relayCtx, cancelRelay := context.WithCancel(ctx)
	w := &Worker{
		log:         log,
		ctx:         ctx,
		relayCtx:    relayCtx,
		cancelRelay: cancelRelay,
		proc:        proc,
		stdout:      stdoutR,
		stderr:      stderr,
	}
	w.output = shell.NewOutputStream(ctx, w, &source{w: w})

	if req.Input != nil {
		go w.relayInput(stdinW, req.Input, opts)
	}

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			_ = proc.Kill()
		case <-proc.Done():
		}
	}()

	return w, nil
}

func (w *Worker) relayInput(dst io.WriteCloser, src io.Reader, opts *Options) {
	err := relay.Input(w.relayCtx, dst, src, opts.Echo,
		relay.WithLogger(w.log),
		relay.WithPollInterval(opts.PollInterval),
		relay.BeforeClose(func(err error) {
			if err == nil || errors.Is(err, relay.ErrConsumerGone) || w.relayCtx.Err() != nil {
				return
			}
			w.faultMut.Lock()
			w.fault = err
			w.faultMut.Unlock()
		}),
	)
	w.log.Debugw("input relay finished", "Error", err)
}

func (w *Worker) getFault() error {
	w.faultMut.Lock()
	defer w.faultMut.Unlock()
	return w.fault
}

func (w *Worker) Output() *shell.OutputStream { return w.output }

// Process returns the underlying registered process.
func (w *Worker) Process() *shell.Process { return w.proc }

// ReadErrorMessage returns the tail of the process's stderr.
func (w *Worker) ReadErrorMessage(ctx context.Context) string {
	select {
	case <-w.proc.Done():
	case <-ctx.Done():
	}
	msg := strings.TrimSpace(w.stderr.String())
	if dropped := w.stderr.Dropped(); dropped > 0 {
		msg = fmt.Sprintf("... (%d bytes of stderr omitted)\n%s", dropped, msg)
	}
	return msg
}

func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.cancelRelay()
		if err := w.proc.Close(); err != nil {
			w.log.Debugf("closing process: %s", err)
		}
		if err := w.stdout.Close(); err != nil {
			w.log.Debugf("closing stdout: %s", err)
		}
	})
	return nil
}

// source is the backend half of the worker's output stream.
type source struct {
	w *Worker
}

func (s *source) TryRead(p []byte) (int, error) {
	if err := s.w.getFault(); err != nil {
		return 0, err
	}
	n, err := s.w.stdout.Read(p)
	if n > 0 {
		return n, nil
	}
	if errors.Is(err, io.EOF) {
		if fault := s.w.getFault(); fault != nil {
			return 0, fault
		}
		return 0, io.EOF
	}
	if s.w.ctx.Err() != nil {
		return 0, s.w.ctx.Err()
	}
	return 0, err
}

func (s *source) Completion(ctx context.Context) (shell.Completion, error) {
	code, err := s.w.proc.Wait(ctx)
	if err != nil {
		return shell.Completion{}, err
	}
	if s.w.ctx.Err() != nil {
		return shell.Completion{}, s.w.ctx.Err()
	}
	return shell.Completion{Code: int64(code)}, nil
}
