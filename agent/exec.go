package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/shellpipe/internal/relay"
	"github.com/guseggert/shellpipe/shell"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

var errExecutionEnded = errors.New("execution ended")

type execRequest struct {
	id          uuid.UUID
	script      string
	dir         string
	toolName    string
	tool        Tool
	streamInput bool
}

func (r *execRequest) kind() string {
	if r.tool != nil {
		return "tool"
	}
	return "script"
}

func (a *Agent) exec(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	script, err := DecodeScript(r.Header.Get(HeaderScript))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := execRequest{
		id:          uuid.New(),
		script:      script,
		dir:         r.Header.Get(HeaderWorkingDir),
		toolName:    r.Header.Get(HeaderTool),
		streamInput: r.Header.Get(HeaderInput) == InputStream,
	}
	if req.toolName != "" {
		t, ok := a.tools[req.toolName]
		if !ok {
			http.Error(w, fmt.Sprintf("no such tool %q", req.toolName), http.StatusNotFound)
			return
		}
		req.tool = t
	}

	// Accept writes the HTTP error response itself
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(ReadLimit)
	a.serveExec(r.Context(), conn, &req)
}

func (a *Agent) serveExec(ctx context.Context, conn *websocket.Conn, req *execRequest) {
	log := a.logger.With("ID", req.id)
	log.Debugw("starting execution", "Kind", req.kind(), "Tool", req.toolName, "Dir", req.dir, "Input", req.streamInput)

	a.metrics.inFlight.Inc()
	defer a.metrics.inFlight.Dec()
	start := time.Now()
	defer func() {
		a.metrics.executionDuration.WithLabelValues(req.kind()).Observe(time.Since(start).Seconds())
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	var in io.Reader
	var inR *io.PipeReader
	if req.streamInput {
		var inW *io.PipeWriter
		inR, inW = io.Pipe()
		in = inR
		group.Go(func() error { return readInput(groupCtx, conn, inW, log) })
	} else {
		// nothing is expected from the client, but its close still has to be noticed
		groupCtx = conn.CloseRead(groupCtx)
	}

	group.Go(func() error {
		out := &messageWriter{ctx: groupCtx, conn: conn}
		err := a.execute(groupCtx, req, in, out)
		if inR != nil {
			// unblocks the input reader if the execution stopped reading
			inR.CloseWithError(errExecutionEnded)
		}
		a.finish(conn, req, err, log)
		return nil
	})

	err := group.Wait()
	log.Debugw("execution finished", "Error", err)
}

func (a *Agent) execute(ctx context.Context, req *execRequest, in io.Reader, out io.Writer) error {
	if req.tool != nil {
		return a.runTool(ctx, req, in, out)
	}
	s := shell.NewScript(a.shell, req.script)
	if req.dir != "" {
		s = s.WithDir(req.dir)
	}
	return s.Run(ctx, in, out)
}

func (a *Agent) runTool(ctx context.Context, req *execRequest, in io.Reader, out io.Writer) error {
	if in == nil {
		in = bytes.NewReader(nil)
	}
	res, err := req.tool(ctx, req.script, in)
	if err != nil {
		return fmt.Errorf("tool %s: %w", req.toolName, err)
	}

	switch o := res.(type) {
	case Text:
		_, err = io.WriteString(out, string(o))
	case Stream:
		if c, ok := o.Reader.(io.Closer); ok {
			defer c.Close()
		}
		_, err = relay.Stream(ctx, out, o.Reader)
	case Value:
		err = json.NewEncoder(out).Encode(o.V)
	case None, nil:
	default:
		err = fmt.Errorf("tool %s returned unsupported output %T", req.toolName, res)
	}
	return err
}

// finish reports the result of an execution through the close status of the connection.
func (a *Agent) finish(conn *websocket.Conn, req *execRequest, err error, log *zap.SugaredLogger) {
	var (
		result string
		status websocket.StatusCode
		reason string
	)
	switch {
	case err == nil:
		result, status = "success", websocket.StatusNormalClosure
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result, status, reason = "canceled", websocket.StatusGoingAway, "execution canceled"
	default:
		code := a.errors.Store(diagnostic(err))
		log.Debugw("execution failed", "Code", code, "Error", err)
		result, status, reason = "failure", StatusExecutionFailed, strconv.FormatInt(code, 10)
	}
	a.metrics.executions.WithLabelValues(req.kind(), result).Inc()

	err = conn.Close(status, reason)
	if err != nil {
		log.Debugf("error closing conn: %s", err)
	}
}

// diagnostic renders a failure for the error cache.
func diagnostic(err error) string {
	var serr *shell.ScriptError
	if errors.As(err, &serr) {
		msg := strings.TrimSpace(serr.Message)
		if msg == "" {
			msg = strings.TrimSpace(serr.Output)
		}
		if msg == "" {
			return serr.Err.Error()
		}
		return fmt.Sprintf("%s: %s", serr.Err, msg)
	}
	return err.Error()
}

// readInput copies binary messages into w until the client reports the end of its input.
// It keeps reading after that, so that the client closing the connection is noticed.
func readInput(ctx context.Context, conn *websocket.Conn, w *io.PipeWriter, log *zap.SugaredLogger) error {
	stdinDone := false
	for {
		typ, r, err := conn.Reader(ctx)
		if err != nil {
			if !stdinDone {
				w.CloseWithError(fmt.Errorf("reading input: %w", err))
			}
			return err
		}

		switch typ {
		case websocket.MessageBinary:
			if stdinDone {
				_, err = io.Copy(io.Discard, r)
				break
			}
			_, err = io.Copy(w, r)
			if errors.Is(err, errExecutionEnded) || errors.Is(err, io.ErrClosedPipe) {
				log.Debug("execution stopped reading its input")
				stdinDone = true
				_, err = io.Copy(io.Discard, r)
			}
		case websocket.MessageText:
			var b []byte
			b, err = io.ReadAll(r)
			if err != nil {
				break
			}
			var msg ControlMessage
			if jsonErr := json.Unmarshal(b, &msg); jsonErr != nil {
				log.Debugf("ignoring malformed control message: %s", jsonErr)
				break
			}
			if msg.StdinDone && !stdinDone {
				log.Debug("client finished sending input")
				stdinDone = true
				w.Close()
			}
		}
		if err != nil {
			if !stdinDone {
				w.CloseWithError(fmt.Errorf("reading input: %w", err))
			}
			return err
		}
	}
}

// messageWriter writes output as binary messages.
type messageWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w *messageWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > ReadLimit {
			chunk = chunk[:ReadLimit]
		}
		err := w.conn.Write(w.ctx, websocket.MessageBinary, chunk)
		if err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}
