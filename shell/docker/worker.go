package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/shellpipe/internal/relay"
	"github.com/guseggert/shellpipe/internal/tailbuf"
	"github.com/guseggert/shellpipe/shell"
	"go.uber.org/zap"
)

// Worker is a script running as a Docker exec instance.
type Worker struct {
	log    *zap.SugaredLogger
	client ExecAPI
	execID string
	poll   time.Duration

	ctx         context.Context
	relayCtx    context.Context
	cancelRelay func()

	conn   types.HijackedResponse
	stdout *io.PipeReader
	stderr *tailbuf.Buffer
	// demuxed is closed once the attached stream has been fully split into stdout and stderr.
	demuxed chan struct{}
	output  *shell.OutputStream

	faultMut sync.Mutex
	fault    error

	closeOnce sync.Once
}

func start(ctx context.Context, s *Shell, execID string, conn types.HijackedResponse, req shell.StartRequest) *Worker {
	relayCtx, cancelRelay := context.WithCancel(ctx)
	stdoutR, stdoutW := io.Pipe()
	w := &Worker{
		log:         s.logger().Named("docker").With("ExecID", execID),
		client:      s.Client,
		execID:      execID,
		poll:        s.pollInterval(),
		ctx:         ctx,
		relayCtx:    relayCtx,
		cancelRelay: cancelRelay,
		conn:        conn,
		stdout:      stdoutR,
		stderr:      tailbuf.New(s.StderrTail),
		demuxed:     make(chan struct{}),
	}
	w.output = shell.NewOutputStream(ctx, w, &source{w: w})
	w.log.Debugw("started exec", "Container", s.Container, "Dir", req.Dir)

	go func() {
		defer close(w.demuxed)
		_, err := stdcopy.StdCopy(stdoutW, w.stderr, conn.Reader)
		if w.relayCtx.Err() != nil {
			err = w.relayCtx.Err()
		}
		stdoutW.CloseWithError(err)
	}()

	if req.Input != nil {
		go w.relayInput(req.Input, s.Echo)
	}

	// the API cannot signal an exec, dropping the attachment hangs it up
	go func() {
		select {
		case <-ctx.Done():
			w.conn.Close()
		case <-w.demuxed:
		}
	}()
	return w
}

// stdin is the write half of the attached stream. Closing it half-closes the connection.
type stdin struct {
	conn *types.HijackedResponse
}

func (s stdin) Write(p []byte) (int, error) { return s.conn.Conn.Write(p) }
func (s stdin) Close() error                { return s.conn.CloseWrite() }

func (w *Worker) relayInput(src io.Reader, echo io.Writer) {
	err := relay.Input(w.relayCtx, stdin{conn: &w.conn}, src, echo,
		relay.WithLogger(w.log),
		relay.WithPollInterval(w.poll),
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

// ExecID returns the ID of the Docker exec instance.
func (w *Worker) ExecID() string { return w.execID }

// ReadErrorMessage returns the tail of the exec's stderr.
func (w *Worker) ReadErrorMessage(ctx context.Context) string {
	select {
	case <-w.demuxed:
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
		w.conn.Close()
		w.stdout.Close()
	})
	return nil
}

// exitCode inspects the exec until Docker reports that it is no longer running.
func (w *Worker) exitCode(ctx context.Context) (int, error) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		inspect, err := w.client.ContainerExecInspect(ctx, w.execID)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("inspecting exec %q: %w", w.execID, err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

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
	code, err := s.w.exitCode(ctx)
	if err != nil {
		return shell.Completion{}, err
	}
	if s.w.ctx.Err() != nil {
		return shell.Completion{}, s.w.ctx.Err()
	}
	return shell.Completion{Code: int64(code)}, nil
}
