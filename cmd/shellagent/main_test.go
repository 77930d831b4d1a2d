package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/guseggert/shellpipe/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	code := func(c int64) error {
		return fmt.Errorf("running: %w", &shell.ScriptError{Err: &shell.WorkerError{Code: &c}})
	}
	cases := []struct {
		name string
		err  error
		exp  int
	}{
		{name: "plain error", err: errors.New("nope"), exp: 1},
		{name: "exit status", err: code(42), exp: 42},
		{name: "synthetic remote code", err: code(1234567), exp: 1},
		{name: "killed", err: code(-1), exp: 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, exitCode(c.err))
		})
	}
}

func TestRunBackendFlags(t *testing.T) {
	cases := []struct {
		name   string
		args   []string
		expErr string
	}{
		{
			name:   "tool without remote",
			args:   []string{"run", "--tool", "upper", "hi"},
			expErr: "--tool requires --remote",
		},
		{
			name:   "two backends",
			args:   []string{"run", "--remote", "http://127.0.0.1:1", "--service", "echo hi"},
			expErr: "at most one of --remote, --docker-container and --service can be set",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := newApp().Run(append([]string{"shellagent"}, c.args...))
			require.Error(t, err)
			assert.EqualError(t, err, c.expErr)
		})
	}
}
