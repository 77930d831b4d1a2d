package service

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/guseggert/shellpipe/agent"
	"github.com/guseggert/shellpipe/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "SHELLPIPE_SERVICE_TEST_AGENT"

// TestMain lets the test binary stand in for the agent: the service re-executes it with helperEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		os.Exit(runAgent(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func runAgent(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", "", "")
	fs.String("on-heartbeat-failure", "", "")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	tlsConfig, err := agent.ServerTLSConfigFromEnv(os.Getenv(agent.EnvCACert), os.Getenv(agent.EnvCert), os.Getenv(agent.EnvKey))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	a, err := agent.New(agent.WithListenAddr(*listenAddr), agent.WithTLSConfig(tlsConfig))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := a.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func newService(t *testing.T, opts ...Option) *Service {
	reg := shell.NewRegistry(shell.WithExitSignals())
	opts = append([]Option{
		WithRegistry(reg),
		WithCommand(os.Args[0], "serve"),
		WithEnv(helperEnv + "=1"),
	}, opts...)
	s := New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestServiceEvaluate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	out, err := shell.NewScript(s, "echo hello").Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = shell.NewScript(s, "echo one; echo two").Pipe("wc -l").Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out)
	assert.Equal(t, 1, s.Starts())

	dir := t.TempDir()
	_, err = shell.NewScript(s, "touch here").WithDir(dir).Evaluate(ctx, nil)
	require.NoError(t, err)
	_, err = os.Stat(dir + "/here")
	assert.NoError(t, err)

	_, err = shell.NewScript(s, "echo broken >&2; exit 9").Evaluate(ctx, nil)
	var serr *shell.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "execution failed with code 9: broken", serr.Message)
}

func TestServiceRestartsDeadAgent(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := shell.NewScript(s, "true").Evaluate(ctx, nil)
	require.NoError(t, err)
	first := s.Process()
	require.NotNil(t, first)

	require.NoError(t, first.Kill())
	_, err = first.Wait(ctx)
	require.NoError(t, err)

	out, err := shell.NewScript(s, "echo again").Evaluate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "again", out)
	assert.Equal(t, 2, s.Starts())
	assert.NotEqual(t, first.ID, s.Process().ID)
}

func TestServiceAgentFailsToStart(t *testing.T) {
	s := newService(t, WithCommand("false"), WithStartTimeout(5*time.Second))
	_, err := shell.NewScript(s, "true").Evaluate(context.Background(), nil)
	assert.ErrorContains(t, err, "agent exited with code 1")
}

func TestServiceClosed(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.Close())
	_, err := shell.NewScript(s, "true").Evaluate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}
