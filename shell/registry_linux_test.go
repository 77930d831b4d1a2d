package shell

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryHelperEnv = "SHELLPIPE_REGISTRY_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(registryHelperEnv) != "" {
		runRegistryHelper()
		return
	}
	os.Exit(m.Run())
}

// runRegistryHelper starts a long-running child through the default registry, reports its PID,
// and then terminates itself with a signal without closing the child.
func runRegistryHelper() {
	cmd := exec.Command("sleep", "60")
	p, err := Processes.Start(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "starting child: %s\n", err)
		os.Exit(2)
	}
	fmt.Println(p.Cmd.Process.Pid)
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
	time.Sleep(10 * time.Second)
	os.Exit(3)
}

// alive reports whether pid is a running, non-zombie process.
func alive(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// the state follows the parenthesized command name
	s := string(b)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] != 'Z' && s[i+2] != 'X'
}

func newTestRegistry() *Registry {
	return NewRegistry(WithExitSignals())
}

func TestRegistryCloseKillsRunningProcess(t *testing.T) {
	r := newTestRegistry()
	p, err := r.Start(exec.Command("sleep", "60"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	require.NoError(t, p.Close())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not killed")
	}
	code, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, code)
	assert.Equal(t, 0, r.Len())

	// closing again is a no-op
	assert.NoError(t, p.Close())
}

func TestRegistryCloseAfterExit(t *testing.T) {
	r := newTestRegistry()
	p, err := r.Start(exec.Command("sh", "-c", "exit 4"))
	require.NoError(t, err)

	code, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, code)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRegistryKillsDescendants(t *testing.T) {
	r := newTestRegistry()
	cmd := exec.Command("sh", "-c", "sleep 60 & echo $!; wait")
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	p, err := r.Start(cmd)
	require.NoError(t, err)

	line, err := bufio.NewReader(stdout).ReadString('\n')
	require.NoError(t, err)
	grandchild, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)
	require.True(t, alive(grandchild))

	require.NoError(t, p.Close())
	assert.Eventually(t, func() bool { return !alive(grandchild) }, 5*time.Second, 20*time.Millisecond)
}

func TestRegistrySweep(t *testing.T) {
	r := newTestRegistry()
	var procs []*Process
	for i := 0; i < 3; i++ {
		p, err := r.Start(exec.Command("sleep", "60"))
		require.NoError(t, err)
		procs = append(procs, p)
	}
	assert.Equal(t, 3, r.Len())

	r.Sweep()
	assert.Equal(t, 0, r.Len())
	for _, p := range procs {
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("process survived the sweep")
		}
		assert.NoError(t, p.Close())
	}
}

func TestRegistryStartFailure(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Start(exec.Command("/definitely/not/a/binary"))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestUnclosedProcessDiesWithHost(t *testing.T) {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), registryHelperEnv+"=1")
	out, err := cmd.Output()
	// the helper dies from its own SIGTERM
	require.Error(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond)
}
