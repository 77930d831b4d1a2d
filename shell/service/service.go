/*
Package service runs scripts through a persistent agent subprocess on the local host.

The agent is started on first use, listening on a loopback port with a freshly generated mutual TLS
identity, and kept alive with heartbeats. If it dies it is restarted on the next Start. Because the agent
shares the host's filesystem, paths are not mapped.
*/
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/shellpipe/agent"
	"github.com/guseggert/shellpipe/internal/files"
	"github.com/guseggert/shellpipe/internal/net"
	"github.com/guseggert/shellpipe/internal/tailbuf"
	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/remote"
	"go.uber.org/zap"
)

// AgentBinary is the name of the agent executable searched for when no command is configured.
const AgentBinary = "shellagent"

var ErrClosed = errors.New("service is closed")

// Service is a backend that delegates to an agent subprocess.
type Service struct {
	shell.IdentityPaths

	log          *zap.SugaredLogger
	registry     *shell.Registry
	command      []string
	env          []string
	startTimeout time.Duration
	shellOpts    []remote.Option

	mu     sync.Mutex
	proc   *shell.Process
	sh     *remote.Shell
	starts int
	closed bool
}

type Option func(s *Service)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Service) {
		s.log = l.Named("service")
	}
}

// WithRegistry sets the registry the agent subprocess is started through, shell.Processes by default.
func WithRegistry(r *shell.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithCommand sets the program and leading arguments that start the agent's server.
// The default is "shellagent serve", with shellagent found by files.FindBinary.
func WithCommand(cmd ...string) Option {
	return func(s *Service) {
		s.command = cmd
	}
}

// WithEnv adds KEY=VALUE pairs to the agent's environment.
func WithEnv(env ...string) Option {
	return func(s *Service) {
		s.env = append(s.env, env...)
	}
}

// WithStartTimeout bounds how long the agent may take to start serving.
func WithStartTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.startTimeout = d
	}
}

// WithShellOptions configures the remote shell that talks to the agent.
func WithShellOptions(opts ...remote.Option) Option {
	return func(s *Service) {
		s.shellOpts = append(s.shellOpts, opts...)
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		log:          zap.NewNop().Sugar(),
		registry:     shell.Processes,
		startTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context, req shell.StartRequest) (shell.Worker, error) {
	sh, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return sh.Start(ctx, req)
}

// Process returns the current agent subprocess, or nil if it has not been started yet.
func (s *Service) Process() *shell.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Starts returns how many times the agent has been started.
func (s *Service) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Close stops the agent. A closed service cannot be restarted.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stop()
	return nil
}

func (s *Service) stop() {
	if s.sh != nil {
		s.sh.Client().StopHeartbeat()
		s.sh = nil
	}
	if s.proc != nil {
		_ = s.proc.Close()
		s.proc = nil
	}
}

// ensure returns the shell of a running agent, starting one if there is none.
func (s *Service) ensure(ctx context.Context) (*remote.Shell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.proc != nil && !s.proc.Exited() {
		return s.sh, nil
	}
	if s.proc != nil {
		s.log.Infow("agent exited, restarting", "ID", s.proc.ID)
	}
	s.stop()

	err := s.launch(ctx)
	if err != nil {
		s.stop()
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	s.starts++
	return s.sh, nil
}

func (s *Service) agentCommand() ([]string, error) {
	if len(s.command) > 0 {
		return s.command, nil
	}
	bin, err := files.FindBinary(AgentBinary)
	if err != nil {
		return nil, err
	}
	return []string{bin, "serve"}, nil
}

func (s *Service) launch(ctx context.Context) error {
	command, err := s.agentCommand()
	if err != nil {
		return err
	}
	addr, err := net.LoopbackAddr()
	if err != nil {
		return err
	}
	certs, err := agent.GenerateCerts(7 * 24 * time.Hour)
	if err != nil {
		return err
	}
	clientTLS, err := certs.ClientTLSConfig()
	if err != nil {
		return err
	}

	args := append(command[1:len(command):len(command)], "--listen-addr", addr, "--on-heartbeat-failure", "exit")
	cmd := exec.Command(command[0], args...)
	cmd.Env = append(append(os.Environ(), certs.ServerEnv()...), s.env...)
	stderr := tailbuf.New(16 * 1024)
	cmd.Stderr = stderr

	proc, err := s.registry.Start(cmd)
	if err != nil {
		return err
	}
	s.proc = proc
	s.log.Debugw("started agent", "ID", proc.ID, "Addr", addr)

	opts := append([]remote.Option{
		remote.WithLogger(s.log),
		remote.WithClientOptions(agent.WithClientTLSConfig(clientTLS)),
	}, s.shellOpts...)
	s.sh = remote.NewShell("https://"+addr, opts...)

	waitCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-waitCtx.Done():
		}
	}()
	err = s.sh.Client().WaitForServer(waitCtx)
	if err != nil {
		if proc.Exited() {
			code, _ := proc.Wait(context.Background())
			return fmt.Errorf("agent exited with code %d: %s", code, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("waiting for agent: %w", err)
	}
	s.sh.Client().StartHeartbeat()
	return nil
}
