/*
Package terminal carries an ambient shell through a call chain, so scripts can be written the way they
would be typed: CD into a directory, then CMD or RUN commands there.

The state lives in a context.Context. Every helper that changes it returns a derived context and leaves
the original untouched, so concurrent call chains never see each other's directory or backend.
*/
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/local"
	"go.uber.org/zap"
)

const loggerName = "terminal"

var defaultLogger = func() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	return logger.Sugar().Named(loggerName)
}()

// Terminal is the ambient state of a call chain.
type Terminal struct {
	Shell shell.Shell
	// Dir is the working directory, in the caller's path namespace.
	Dir string
	// In feeds the first stage of every script. Nil means no input.
	In io.Reader
	// Out receives the output of RUN.
	Out io.Writer
	Log *zap.SugaredLogger
}

type ctxKey struct{}

// Default returns the terminal of a context that has none: bash on the host, in the process's
// working directory, writing to stdout.
func Default() *Terminal {
	dir, err := os.Getwd()
	if err != nil {
		defaultLogger.Debugf("getting wd: %s", err)
	}
	return &Terminal{
		Shell: &local.Bash{},
		Dir:   dir,
		Out:   os.Stdout,
		Log:   defaultLogger,
	}
}

// FromContext returns a copy of the context's terminal.
func FromContext(ctx context.Context) *Terminal {
	t, ok := ctx.Value(ctxKey{}).(*Terminal)
	if !ok {
		return Default()
	}
	c := *t
	return &c
}

// NewContext returns a context carrying t. Fields left unset are taken from Default.
func NewContext(ctx context.Context, t *Terminal) context.Context {
	c := *t
	if c.Shell == nil || c.Dir == "" || c.Log == nil {
		d := Default()
		if c.Shell == nil {
			c.Shell = d.Shell
		}
		if c.Dir == "" {
			c.Dir = d.Dir
		}
		if c.Log == nil {
			c.Log = d.Log
		}
	}
	return context.WithValue(ctx, ctxKey{}, &c)
}

func with(ctx context.Context, f func(t *Terminal)) context.Context {
	t := FromContext(ctx)
	f(t)
	return context.WithValue(ctx, ctxKey{}, t)
}

// WithShell switches the backend that runs scripts.
func WithShell(ctx context.Context, sh shell.Shell) context.Context {
	return with(ctx, func(t *Terminal) { t.Shell = sh })
}

func WithInput(ctx context.Context, r io.Reader) context.Context {
	return with(ctx, func(t *Terminal) { t.In = r })
}

func WithOutput(ctx context.Context, w io.Writer) context.Context {
	return with(ctx, func(t *Terminal) { t.Out = w })
}

func WithLogger(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return with(ctx, func(t *Terminal) { t.Log = l.Named(loggerName) })
}

// CD changes the working directory. A relative dir is resolved against the current one.
func CD(ctx context.Context, dir string) context.Context {
	return with(ctx, func(t *Terminal) {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(t.Dir, dir)
		}
		t.Dir = filepath.Clean(dir)
	})
}

// PWD returns the working directory.
func PWD(ctx context.Context) string {
	return FromContext(ctx).Dir
}

// CMDV returns the script without running it, bound to the terminal's shell and directory.
func CMDV(ctx context.Context, script string) *shell.Script {
	t := FromContext(ctx)
	return shell.NewScript(t.Shell, script).WithDir(t.Dir)
}

// CMD runs the script and returns its output with trailing whitespace trimmed.
func CMD(ctx context.Context, script string) (string, error) {
	t := FromContext(ctx)
	return CMDV(ctx, script).Evaluate(ctx, t.In)
}

// CMDAs runs the script and decodes its output.
func CMDAs[T any](ctx context.Context, script string, format shell.Format) (T, error) {
	t := FromContext(ctx)
	return shell.EvaluateAs[T](ctx, CMDV(ctx, script), t.In, format)
}

// CMDStream starts the script and returns its output as it is produced.
// The caller must read it to the end, which verifies the script succeeded, or close it.
func CMDStream(ctx context.Context, script string) (io.ReadCloser, error) {
	t := FromContext(ctx)
	return CMDV(ctx, script).Stream(ctx, t.In)
}

// RUN runs the script, streaming its output to the terminal's output.
func RUN(ctx context.Context, script string) error {
	t := FromContext(ctx)
	t.Log.Infow("running", "Script", script, "Dir", t.Dir)
	out := t.Out
	if out == nil {
		out = io.Discard
	}
	return CMDV(ctx, script).Run(ctx, t.In, out)
}

// Must panics if the last arg in its arg list is an error.
func Must(args ...interface{}) {
	err, ok := args[len(args)-1].(error)
	if ok {
		panic(err)
	}
}

func Must2[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}
