package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/guseggert/shellpipe/shell"
	"github.com/guseggert/shellpipe/shell/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newContext(t *testing.T) context.Context {
	reg := shell.NewRegistry(shell.WithExitSignals())
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return NewContext(context.Background(), &Terminal{
		Shell: &local.Bash{Options: local.Options{Registry: reg}},
		Dir:   dir,
		Log:   zap.NewNop().Sugar(),
	})
}

func TestCDAndPWD(t *testing.T) {
	ctx := newContext(t)
	root := PWD(ctx)

	sub := CD(ctx, "a/b")
	assert.Equal(t, filepath.Join(root, "a", "b"), PWD(sub))
	assert.Equal(t, root, PWD(ctx), "the parent context keeps its directory")

	up := CD(sub, "..")
	assert.Equal(t, filepath.Join(root, "a"), PWD(up))

	abs := CD(sub, "/tmp")
	assert.Equal(t, "/tmp", PWD(abs))
}

func TestChildChangesDoNotLeak(t *testing.T) {
	ctx := newContext(t)
	parent := FromContext(ctx)
	other := &local.CommandLine{}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < 10; i++ {
		i := i
		group.Go(func() error {
			child := CD(groupCtx, filepath.Join("child", string(rune('a'+i))))
			child = WithShell(child, other)
			if PWD(child) != filepath.Join(parent.Dir, "child", string(rune('a'+i))) {
				return errors.New("child sees another child's directory")
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	after := FromContext(ctx)
	assert.Equal(t, parent.Dir, after.Dir)
	assert.Same(t, parent.Shell, after.Shell)
}

func TestCMD(t *testing.T) {
	ctx := newContext(t)

	Must(RUN(ctx, "mkdir -p sub && echo content > sub/file"))
	out, err := CMD(CD(ctx, "sub"), "cat file")
	require.NoError(t, err)
	assert.Equal(t, "content", out)

	pwd := Must2(CMD(CD(ctx, "sub"), "pwd -P"))
	assert.Equal(t, filepath.Join(PWD(ctx), "sub"), pwd)

	out, err = CMD(WithInput(ctx, strings.NewReader("piped in")), "cat")
	require.NoError(t, err)
	assert.Equal(t, "piped in", out)

	_, err = CMD(ctx, "echo nope >&2; exit 3")
	var serr *shell.ScriptError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "nope", serr.Message)
}

func TestCMDV(t *testing.T) {
	ctx := newContext(t)
	s := CMDV(CD(ctx, "x"), "ls")
	assert.Equal(t, filepath.Join(PWD(ctx), "x"), s.Dir)
	assert.Equal(t, "ls", s.Text)
}

func TestCMDAs(t *testing.T) {
	ctx := newContext(t)

	v, err := CMDAs[map[string]int](ctx, `echo '{"a": 1}'`, shell.JSON)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1}, v)

	list, err := CMDAs[[]string](ctx, "printf -- '- x\\n- y\\n'", shell.YAML)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, list)
}

func TestCMDStream(t *testing.T) {
	ctx := newContext(t)

	r, err := CMDStream(ctx, "seq 3")
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "1\n2\n3\n", string(b))

	r, err = CMDStream(ctx, "echo some; exit 2")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	code, ok := shell.ErrorCode(err)
	require.True(t, ok)
	assert.EqualValues(t, 2, code)
}

func TestRUN(t *testing.T) {
	ctx := newContext(t)
	var out bytes.Buffer
	require.NoError(t, RUN(WithOutput(ctx, &out), "echo streamed"))
	assert.Equal(t, "streamed\n", out.String())
}

func TestDefaultTerminal(t *testing.T) {
	term := FromContext(context.Background())
	assert.IsType(t, &local.Bash{}, term.Shell)
	assert.NotEmpty(t, term.Dir)

	ctx := WithShell(context.Background(), &local.CommandLine{})
	assert.IsType(t, &local.CommandLine{}, FromContext(ctx).Shell)
}

func TestMust(t *testing.T) {
	assert.Panics(t, func() { Must(errors.New("boom")) })
	assert.NotPanics(t, func() { Must("fine", nil) })
	assert.Panics(t, func() { Must2("", errors.New("boom")) })
	assert.Equal(t, 3, Must2(3, nil))
}
