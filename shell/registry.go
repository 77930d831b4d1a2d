package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Processes is the registry used by the local backends unless they are given another one.
var Processes = NewRegistry()

// Registry tracks every child process started through it, so that none of them outlives its owner.
// A process leaves the registry when it exits or is closed. Whatever is still registered when the
// host process receives a termination signal is killed before the signal is re-delivered.
type Registry struct {
	log     *zap.SugaredLogger
	signals []os.Signal

	mu    sync.Mutex
	procs map[uuid.UUID]*Process

	hookOnce sync.Once
}

type RegistryOption func(r *Registry)

func WithRegistryLogger(l *zap.SugaredLogger) RegistryOption {
	return func(r *Registry) {
		r.log = l.Named("registry")
	}
}

// WithExitSignals sets the signals that trigger a sweep. Passing none disables the signal hook.
func WithExitSignals(sigs ...os.Signal) RegistryOption {
	return func(r *Registry) {
		r.signals = sigs
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:     defaultLogger.Named("registry"),
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP},
		procs:   map[uuid.UUID]*Process{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Process is a registered child process.
type Process struct {
	ID  uuid.UUID
	Cmd *exec.Cmd

	registry *Registry
	exited   chan struct{}
	exitCode int
	waitErr  error

	closeOnce sync.Once
}

// Start starts cmd and registers it. Both happen under the registry lock, so a sweep never misses a started process.
func (r *Registry) Start(cmd *exec.Cmd) (*Process, error) {
	r.installExitHook()
	prepare(cmd)

	p := &Process{
		ID:       uuid.New(),
		Cmd:      cmd,
		registry: r,
		exited:   make(chan struct{}),
	}

	r.mu.Lock()
	err := cmd.Start()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.procs[p.ID] = p
	r.mu.Unlock()

	r.log.Debugw("started process", "ID", p.ID, "PID", cmd.Process.Pid, "Path", cmd.Path)
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.Cmd.Wait()
	p.exitCode = p.Cmd.ProcessState.ExitCode()
	if _, ok := err.(*exec.ExitError); !ok {
		p.waitErr = err
	}
	close(p.exited)
	p.registry.remove(p.ID)
	p.registry.log.Debugw("process exited", "ID", p.ID, "ExitCode", p.exitCode, "Error", p.waitErr)
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.exited }

func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits and returns its exit code, which is -1 if it was killed by a signal.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.exited:
		if p.waitErr != nil {
			return p.exitCode, fmt.Errorf("waiting for process: %w", p.waitErr)
		}
		return p.exitCode, nil
	}
}

// Kill force-kills the process and its descendants if it is still running.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	// The group is only signaled while the leader is unreaped, so its ID cannot have been reused.
	return killTree(p.Cmd.Process)
}

// Close kills the process if it is still running and unregisters it.
// Closing an exited process, or closing more than once, is a no-op.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if err := p.Kill(); err != nil {
			p.registry.log.Debugf("killing process %s: %s", p.ID, err)
		}
		p.registry.remove(p.ID)
	})
	return nil
}

func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Sweep force-kills every registered process. Individual failures are logged and skipped.
func (r *Registry) Sweep() {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.procs = map[uuid.UUID]*Process{}
	r.mu.Unlock()

	for _, p := range procs {
		if err := p.Kill(); err != nil {
			r.log.Debugf("sweeping process %s: %s", p.ID, err)
		}
	}
}

func (r *Registry) installExitHook() {
	r.hookOnce.Do(func() {
		var sigs []os.Signal
		for _, s := range r.signals {
			// honor nohup and friends
			if !signal.Ignored(s) {
				sigs = append(sigs, s)
			}
		}
		if len(sigs) == 0 {
			return
		}
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, sigs...)
		// Programs that handle these signals themselves still see them, and should call Exit or Sweep when they stop.
		go func() {
			sig := <-ch
			r.log.Debugf("received %s, killing %d child processes", sig, r.Len())
			r.Sweep()
			signal.Stop(ch)
			self, err := os.FindProcess(os.Getpid())
			if err == nil {
				err = self.Signal(sig)
			}
			if err != nil {
				r.log.Debugf("re-raising %s: %s", sig, err)
				os.Exit(1)
			}
		}()
	})
}

// Exit sweeps the default registry and then exits the program with the given code.
func Exit(code int) {
	Processes.Sweep()
	os.Exit(code)
}
