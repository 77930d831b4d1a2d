package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/guseggert/shellpipe/internal/test"
	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execFunc func(cfg types.ExecConfig, stdin io.Reader, stdout, stderr io.Writer) int

// fakeConn is the client end of an attached exec. Only Read, Write and the closes are used.
type fakeConn struct {
	net.Conn
	out *io.PipeReader
	in  *io.PipeWriter
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.out.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.in.Write(p) }
func (c *fakeConn) CloseWrite() error           { return c.in.Close() }
func (c *fakeConn) Close() error {
	c.out.Close()
	c.in.Close()
	return nil
}

type fakeInstance struct {
	cfg  types.ExecConfig
	done chan struct{}
	code int
}

// fakeDocker runs execs as Go functions, multiplexing their output the way the daemon does.
type fakeDocker struct {
	run execFunc

	mu      sync.Mutex
	execs   map[string]*fakeInstance
	counter int
}

func newFakeDocker(run execFunc) *fakeDocker {
	return &fakeDocker{run: run, execs: map[string]*fakeInstance{}}
}

func (d *fakeDocker) ContainerExecCreate(ctx context.Context, container string, cfg types.ExecConfig) (types.IDResponse, error) {
	if container == "missing" {
		return types.IDResponse{}, errors.New("no such container")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.counter++
	id := fmt.Sprintf("exec-%d", d.counter)
	d.execs[id] = &fakeInstance{cfg: cfg, done: make(chan struct{})}
	return types.IDResponse{ID: id}, nil
}

func (d *fakeDocker) instance(id string) (*fakeInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.execs[id]
	if !ok {
		return nil, fmt.Errorf("no such exec %q", id)
	}
	return inst, nil
}

func (d *fakeDocker) ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error) {
	inst, err := d.instance(execID)
	if err != nil {
		return types.HijackedResponse{}, err
	}
	outR, outW := io.Pipe()
	inR, inW := io.Pipe()
	conn := &fakeConn{out: outR, in: inW}

	go func() {
		var stdin io.Reader = strings.NewReader("")
		if inst.cfg.AttachStdin {
			stdin = inR
		}
		code := d.run(inst.cfg, stdin, stdcopy.NewStdWriter(outW, stdcopy.Stdout), stdcopy.NewStdWriter(outW, stdcopy.Stderr))
		inR.Close()
		outW.Close()
		inst.code = code
		close(inst.done)
	}()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(conn)}, nil
}

func (d *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error) {
	inst, err := d.instance(execID)
	if err != nil {
		return types.ContainerExecInspect{}, err
	}
	select {
	case <-inst.done:
		return types.ContainerExecInspect{ExecID: execID, ExitCode: inst.code}, nil
	default:
		return types.ContainerExecInspect{ExecID: execID, Running: true}, nil
	}
}

func (d *fakeDocker) configs() []types.ExecConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	var cfgs []types.ExecConfig
	for i := 1; i <= d.counter; i++ {
		cfgs = append(cfgs, d.execs[fmt.Sprintf("exec-%d", i)].cfg)
	}
	return cfgs
}

func script(cfg types.ExecConfig) string { return cfg.Cmd[len(cfg.Cmd)-1] }

func TestDockerEvaluate(t *testing.T) {
	d := newFakeDocker(func(cfg types.ExecConfig, stdin io.Reader, stdout, stderr io.Writer) int {
		switch script(cfg) {
		case "greet":
			fmt.Fprint(stderr, "just a warning\n")
			fmt.Fprint(stdout, "hello\n")
			return 0
		case "fail":
			fmt.Fprint(stdout, "partial\n")
			fmt.Fprint(stderr, "bad things\n")
			return 4
		case "upper":
			b, _ := io.ReadAll(stdin)
			fmt.Fprint(stdout, strings.ToUpper(string(b)))
			return 0
		}
		return 127
	})
	sh := &Shell{Client: d, Container: "box"}
	ctx := context.Background()

	out, err := shell.NewScript(sh, "greet").Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = shell.NewScript(sh, "upper").Evaluate(ctx, strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", out)

	out, err = shell.NewScript(sh, "greet").Pipe("upper").Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)

	_, err = shell.NewScript(sh, "fail").Evaluate(ctx, nil)
	var serr *shell.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "fail", serr.Script)
	assert.Equal(t, "partial\n", serr.Output)
	assert.Equal(t, "bad things", serr.Message)
	code, ok := serr.Code()
	require.True(t, ok)
	assert.EqualValues(t, 4, code)

	cfgs := d.configs()
	require.Len(t, cfgs, 5)
	assert.Equal(t, []string{"bash", "-c", "greet"}, []string(cfgs[0].Cmd))
	assert.False(t, cfgs[0].AttachStdin)
	assert.True(t, cfgs[1].AttachStdin)
}

func TestDockerPathMapping(t *testing.T) {
	d := newFakeDocker(func(cfg types.ExecConfig, stdin io.Reader, stdout, stderr io.Writer) int {
		fmt.Fprint(stdout, cfg.WorkingDir)
		return 0
	})
	sh := &Shell{
		Mounts:      shell.Mounts{{Host: "/home/me/project", Internal: "/work"}},
		Client:      d,
		Container:   "box",
		Interpreter: []string{"sh", "-c"},
	}

	out, err := shell.NewScript(sh, "pwd").WithDir("/home/me/project/sub").Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "/work/sub", out)
	assert.Equal(t, "/home/me/project/sub", sh.MapToHostPath(out))
	assert.Equal(t, []string{"sh", "-c", "pwd"}, []string(d.configs()[0].Cmd))
}

func TestDockerConsumerStopsReading(t *testing.T) {
	d := newFakeDocker(func(cfg types.ExecConfig, stdin io.Reader, stdout, stderr io.Writer) int {
		for {
			if _, err := io.WriteString(stdout, "y\n"); err != nil {
				return 141
			}
		}
	})
	sh := &Shell{Client: d, Container: "box"}
	bash := &local.Bash{Options: local.Options{Registry: shell.NewRegistry(shell.WithExitSignals())}}

	out, err := shell.NewScript(sh, "yes").Then(shell.NewScript(bash, "head -n 1")).Evaluate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "y", out)
}

func TestDockerStartFailure(t *testing.T) {
	sh := &Shell{Client: newFakeDocker(nil), Container: "missing"}
	_, err := shell.NewScript(sh, "true").Evaluate(context.Background(), nil)
	assert.ErrorContains(t, err, `creating exec in container "missing"`)

	_, err = shell.NewScript(&Shell{}, "true").Evaluate(context.Background(), nil)
	assert.Error(t, err)
}

func TestProvision(t *testing.T) {
	test.Integration(t)
	ctx := context.Background()

	cli, err := NewClient()
	require.NoError(t, err)
	dir := t.TempDir()
	c, err := Provision(ctx, cli, ContainerConfig{Mounts: shell.Mounts{{Host: dir, Internal: "/work"}}})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Remove(context.Background())) })

	sh := c.Shell()
	_, err = shell.NewScript(sh, "echo hi > greeting").WithDir(dir).Evaluate(ctx, nil)
	require.NoError(t, err)
	out, err := shell.NewScript(sh, "cat /work/greeting; echo oops >&2; exit 3").Evaluate(ctx, nil)
	var serr *shell.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "", out)
	assert.Equal(t, "hi\n", serr.Output)
	assert.Equal(t, "oops", serr.Message)
}
