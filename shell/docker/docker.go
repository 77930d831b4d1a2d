/*
Package docker runs scripts inside a running Docker container with "docker exec".

The container sees the caller's filesystem only through its bind mounts, so working directories are
mapped through Mounts. Each script is its own exec instance, and its exit code comes from inspecting
the exec once its output has been drained.
*/
package docker

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/guseggert/shellpipe/shell"
	"go.uber.org/zap"
)

var defaultLogger = zap.NewNop().Sugar()

// ExecAPI is the part of the Docker client a Shell needs. *client.Client implements it.
type ExecAPI interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// Shell executes scripts in a container.
type Shell struct {
	shell.Mounts

	Log       *zap.SugaredLogger
	Client    ExecAPI
	Container string
	// Interpreter is the command the script is appended to, "bash -c" by default.
	Interpreter []string
	// Env is set in the exec's environment, as KEY=VALUE pairs.
	Env  []string
	User string
	// Echo receives the keys typed into an interactive terminal input.
	Echo io.Writer
	// PollInterval is both the input relay poll interval and the interval between exec inspections.
	PollInterval time.Duration
	// StderrTail bounds how much stderr is kept for diagnostics.
	StderrTail int
}

func (s *Shell) logger() *zap.SugaredLogger {
	if s.Log == nil {
		return defaultLogger
	}
	return s.Log
}

func (s *Shell) pollInterval() time.Duration {
	if s.PollInterval <= 0 {
		return 20 * time.Millisecond
	}
	return s.PollInterval
}

// Command returns the command line of the exec that runs script.
func (s *Shell) Command(script string) []string {
	interp := s.Interpreter
	if len(interp) == 0 {
		interp = []string{"bash", "-c"}
	}
	cmd := make([]string, 0, len(interp)+1)
	cmd = append(cmd, interp...)
	return append(cmd, script)
}

func (s *Shell) Start(ctx context.Context, req shell.StartRequest) (shell.Worker, error) {
	if s.Client == nil || s.Container == "" {
		return nil, fmt.Errorf("docker shell needs a client and a container")
	}
	cfg := types.ExecConfig{
		User:         s.User,
		AttachStdin:  req.Input != nil,
		AttachStdout: true,
		AttachStderr: true,
		Env:          s.Env,
		WorkingDir:   req.Dir,
		Cmd:          s.Command(req.Script),
	}
	created, err := s.Client.ContainerExecCreate(ctx, s.Container, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %q: %w", s.Container, err)
	}
	hijacked, err := s.Client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", created.ID, err)
	}
	return start(ctx, s, created.ID, hijacked, req), nil
}
