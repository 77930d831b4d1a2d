/*
Package local runs scripts as OS processes on the host.

Processes are not sandboxed: they share the caller's filesystem, environment and user. Every process is
started through a shell.Registry, so it is killed when its worker is closed, and swept if the host process
is terminated by a signal.
*/
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/guseggert/shellpipe/shell"
	"go.uber.org/zap"
)

var defaultLogger = zap.NewNop().Sugar()

// Options are shared by the local shells.
type Options struct {
	Log      *zap.SugaredLogger
	Registry *shell.Registry
	// Env is appended to the host environment.
	Env []string
	// Echo receives the keys typed into an interactive terminal input.
	Echo io.Writer
	// PollInterval overrides the input relay poll interval.
	PollInterval time.Duration
	// StderrTail bounds how much stderr is kept for diagnostics.
	StderrTail int
}

func (o *Options) logger() *zap.SugaredLogger {
	if o.Log == nil {
		return defaultLogger
	}
	return o.Log
}

func (o *Options) registry() *shell.Registry {
	if o.Registry == nil {
		return shell.Processes
	}
	return o.Registry
}

// Bash runs scripts with "bash -c".
type Bash struct {
	shell.IdentityPaths
	Options

	// Strict makes the script stop at the first failing command, including failures inside pipes.
	Strict bool
	// Path is the bash binary, "bash" by default.
	Path string
}

func (b *Bash) ExecInfo(script string) shell.ExecInfo {
	path := b.Path
	if path == "" {
		path = "bash"
	}
	var args []string
	if b.Strict {
		args = append(args, "-e", "-o", "pipefail")
	}
	args = append(args, "-c", script)
	return shell.ExecInfo{Program: path, Args: args}
}

func (b *Bash) Start(ctx context.Context, req shell.StartRequest) (shell.Worker, error) {
	return start(ctx, &b.Options, b.ExecInfo(req.Script), req)
}

// CommandLine runs a script as a single command: the first word names the program and the
// remaining words are its arguments. There is no quoting, globbing or expansion.
type CommandLine struct {
	shell.IdentityPaths
	Options
}

var ErrEmptyCommand = errors.New("empty command")

func (c *CommandLine) ExecInfo(script string) (shell.ExecInfo, error) {
	fields := strings.Fields(script)
	if len(fields) == 0 {
		return shell.ExecInfo{}, ErrEmptyCommand
	}
	return shell.ExecInfo{Program: fields[0], Args: fields[1:]}, nil
}

func (c *CommandLine) Start(ctx context.Context, req shell.StartRequest) (shell.Worker, error) {
	info, err := c.ExecInfo(req.Script)
	if err != nil {
		return nil, fmt.Errorf("parsing command line: %w", err)
	}
	return start(ctx, &c.Options, info, req)
}
