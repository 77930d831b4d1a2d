package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/guseggert/shellpipe/agent"
	"github.com/guseggert/shellpipe/internal/relay"
	"github.com/guseggert/shellpipe/shell"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ResetError is how the agent ended a failed execution: a close status, and for execution
// failures, the error code of the diagnostic it cached.
type ResetError struct {
	Status websocket.StatusCode
	Code   int64
	Reason string
}

func (e *ResetError) Error() string {
	if e.Status == agent.StatusExecutionFailed {
		return fmt.Sprintf("execution reset by agent with error code %d", e.Code)
	}
	return fmt.Sprintf("connection closed by agent with status %d: %s", e.Status, e.Reason)
}

// Worker is an execution running on an agent.
type Worker struct {
	log   *zap.SugaredLogger
	shell *Shell
	conn  *websocket.Conn

	ctx         context.Context
	relayCtx    context.Context
	cancelRelay func()

	output *shell.OutputStream
	// msg is the message being read, owned by the output stream
	msg io.Reader

	mu         sync.Mutex
	fault      error
	completion shell.Completion

	closeOnce sync.Once
}

func newWorker(ctx context.Context, s *Shell, conn *websocket.Conn, in io.Reader) *Worker {
	relayCtx, cancelRelay := context.WithCancel(ctx)
	w := &Worker{
		log:         s.log,
		shell:       s,
		conn:        conn,
		ctx:         ctx,
		relayCtx:    relayCtx,
		cancelRelay: cancelRelay,
	}
	w.output = shell.NewOutputStream(ctx, w, &source{w: w})
	if in != nil {
		go w.relayInput(in)
	}
	return w
}

func (w *Worker) relayInput(in io.Reader) {
	err := relay.Input(w.relayCtx, &inputWriter{ctx: w.relayCtx, conn: w.conn}, in, w.shell.echo,
		relay.WithLogger(w.log),
		relay.WithPollInterval(w.shell.pollInterval),
		relay.BeforeClose(func(err error) {
			if err == nil || errors.Is(err, relay.ErrConsumerGone) || w.relayCtx.Err() != nil {
				return
			}
			w.mu.Lock()
			w.fault = err
			w.mu.Unlock()
		}),
	)
	w.log.Debugw("input relay finished", "Error", err)
}

func (w *Worker) getFault() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fault
}

func (w *Worker) Output() *shell.OutputStream { return w.output }

// ReadErrorMessage fetches the diagnostic of a failed execution from the agent.
// When it cannot be fetched, the message says why instead.
func (w *Worker) ReadErrorMessage(ctx context.Context) string {
	w.mu.Lock()
	cause := w.completion.Cause
	w.mu.Unlock()

	var rerr *ResetError
	if !errors.As(cause, &rerr) {
		return ""
	}
	if rerr.Status != agent.StatusExecutionFailed {
		return rerr.Error()
	}
	msg, err := w.shell.client.ReadErrorMessage(ctx, rerr.Code)
	switch {
	case errors.Is(err, agent.ErrNotFound):
		return fmt.Sprintf("error code %d: details are unavailable (expired or never cached)", rerr.Code)
	case err != nil:
		return fmt.Sprintf("error code %d: details could not be retrieved: %s", rerr.Code, err)
	}
	return msg
}

func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.cancelRelay()
		// after a finished execution the agent has already closed the connection
		if err := w.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			w.log.Debugf("closing conn: %s", err)
		}
	})
	return nil
}

// classify turns the error that ended the message stream into the result of the read.
// A close from the agent ends the output and sets the completion.
func (w *Worker) classify(err error) error {
	if fault := w.getFault(); fault != nil {
		return fault
	}
	if w.ctx.Err() != nil {
		return w.ctx.Err()
	}

	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}

	var c shell.Completion
	switch ce.Code {
	case websocket.StatusNormalClosure:
	case agent.StatusExecutionFailed:
		code, perr := strconv.ParseInt(ce.Reason, 10, 64)
		if perr != nil || code == 0 {
			return fmt.Errorf("malformed error code %q in close reason", ce.Reason)
		}
		c = shell.Completion{Code: code, Cause: &ResetError{Status: ce.Code, Code: code}}
	default:
		code := int64(ce.Code)
		c = shell.Completion{Code: code, Cause: &ResetError{Status: ce.Code, Code: code, Reason: ce.Reason}}
	}

	w.mu.Lock()
	w.completion = c
	w.mu.Unlock()
	return io.EOF
}

type source struct {
	w *Worker
}

func (s *source) TryRead(p []byte) (int, error) {
	w := s.w
	if fault := w.getFault(); fault != nil {
		return 0, fault
	}
	for {
		if w.msg == nil {
			typ, r, err := w.conn.Reader(w.ctx)
			if err != nil {
				return 0, w.classify(err)
			}
			if typ != websocket.MessageBinary {
				if _, err := io.Copy(io.Discard, r); err != nil {
					return 0, w.classify(err)
				}
				continue
			}
			w.msg = r
		}

		n, err := w.msg.Read(p)
		if errors.Is(err, io.EOF) {
			w.msg = nil
			err = nil
		}
		if n > 0 {
			return n, err
		}
		if err != nil {
			return 0, w.classify(err)
		}
	}
}

func (s *source) Completion(ctx context.Context) (shell.Completion, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.w.completion, nil
}

// inputWriter sends input as binary messages, and the end of input as a control message.
type inputWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w *inputWriter) Write(p []byte) (int, error) {
	err := w.conn.Write(w.ctx, websocket.MessageBinary, p)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *inputWriter) Close() error {
	return wsjson.Write(w.ctx, w.conn, agent.ControlMessage{StdinDone: true})
}
