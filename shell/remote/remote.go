/*
Package remote runs scripts on an agent over HTTP.

Each execution is a WebSocket connection to the agent's /exec route. Output arrives as binary messages,
and the close status reports how the execution ended. When it failed, the agent only sends a numeric
error code; the diagnostic behind it is fetched separately, from the agent's /error_message route.
*/
package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/guseggert/shellpipe/agent"
	"github.com/guseggert/shellpipe/shell"
	"go.uber.org/zap"
)

var defaultLogger = zap.NewNop().Sugar()

// Shell is a backend that executes scripts on an agent.
type Shell struct {
	log          *zap.SugaredLogger
	client       *agent.Client
	clientOpts   []agent.ClientOption
	tool         string
	echo         io.Writer
	pollInterval time.Duration
	mounts       shell.Mounts
}

type Option func(s *Shell)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Shell) {
		s.log = l.Named("remote")
	}
}

// WithClient uses an existing agent client, e.g. one that is already sending heartbeats.
func WithClient(c *agent.Client) Option {
	return func(s *Shell) {
		s.client = c
	}
}

func WithClientOptions(opts ...agent.ClientOption) Option {
	return func(s *Shell) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// WithTool runs scripts as arguments to one of the agent's in-process tools, instead of in its shell.
func WithTool(name string) Option {
	return func(s *Shell) {
		s.tool = name
	}
}

// WithPathMapping maps hostDir on the caller's machine to agentDir on the agent's.
func WithPathMapping(hostDir, agentDir string) Option {
	return func(s *Shell) {
		s.mounts = append(s.mounts, shell.Mount{Host: hostDir, Internal: agentDir})
	}
}

// WithEcho sets where keys typed into an interactive terminal input are echoed.
func WithEcho(w io.Writer) Option {
	return func(s *Shell) {
		s.echo = w
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Shell) {
		s.pollInterval = d
	}
}

// NewShell builds a shell for the agent at baseURL, e.g. "http://127.0.0.1:8080".
func NewShell(baseURL string, opts ...Option) *Shell {
	s := &Shell{log: defaultLogger}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		clientOpts := append([]agent.ClientOption{agent.WithClientLogger(s.log)}, s.clientOpts...)
		s.client = agent.NewClient(baseURL, clientOpts...)
	}
	return s
}

// Client returns the client used to reach the agent.
func (s *Shell) Client() *agent.Client { return s.client }

func (s *Shell) MapToInternalPath(hostPath string) string { return s.mounts.MapToInternalPath(hostPath) }

func (s *Shell) MapToHostPath(internalPath string) string { return s.mounts.MapToHostPath(internalPath) }

func (s *Shell) Start(ctx context.Context, req shell.StartRequest) (shell.Worker, error) {
	conn, err := s.client.DialExec(ctx, agent.ExecRequest{
		Script: req.Script,
		Dir:    req.Dir,
		Tool:   s.tool,
		Input:  req.Input != nil,
	})
	if err != nil {
		return nil, fmt.Errorf("starting remote execution: %w", err)
	}
	return newWorker(ctx, s, conn, req.Input), nil
}
