package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/guseggert/shellpipe/internal/relay"
	"github.com/guseggert/shellpipe/internal/tailbuf"
)

// outputTailSize bounds how much streamed output is kept for error reports.
const outputTailSize = 16 * 1024

// Script is a command bound to a Shell, optionally fed by an upstream Script. Scripts are immutable.
type Script struct {
	Text  string
	Shell Shell
	// Dir is the working directory in the caller's path namespace.
	Dir string

	upstream *Script
}

// NewScript binds text to sh, running in the current working directory.
func NewScript(sh Shell, text string) *Script {
	dir, err := os.Getwd()
	if err != nil {
		defaultLogger.Debugf("getting wd: %s", err)
	}
	return &Script{Text: text, Shell: sh, Dir: dir}
}

// WithDir returns a copy of s that runs in dir.
func (s *Script) WithDir(dir string) *Script {
	c := *s
	c.Dir = dir
	return &c
}

// Upstream returns the stage that feeds s, or nil.
func (s *Script) Upstream() *Script { return s.upstream }

// Pipe returns a new stage that runs text on the same shell and directory, reading the output of s.
func (s *Script) Pipe(text string) *Script {
	return &Script{Text: text, Shell: s.Shell, Dir: s.Dir, upstream: s}
}

// Then returns a copy of next whose first stage reads the output of s. Neither s nor next is modified.
func (s *Script) Then(next *Script) *Script {
	c := *next
	if next.upstream == nil {
		c.upstream = s
	} else {
		c.upstream = s.Then(next.upstream)
	}
	return &c
}

// Pipe chains stages left to right.
func Pipe(first *Script, rest ...*Script) *Script {
	s := first
	for _, r := range rest {
		s = s.Then(r)
	}
	return s
}

// Stages returns the pipeline, first stage first.
func (s *Script) Stages() []*Script {
	var stages []*Script
	for c := s; c != nil; c = c.upstream {
		stages = append([]*Script{c}, stages...)
	}
	return stages
}

func (s *Script) String() string {
	texts := make([]string, 0)
	for _, st := range s.Stages() {
		texts = append(texts, st.Text)
	}
	return strings.Join(texts, " | ")
}

// Start starts every stage of the pipeline, upstream first, and returns the last one.
// in feeds the first stage and may be nil.
func (s *Script) Start(ctx context.Context, in io.Reader) (*Stage, error) {
	var up *Stage
	if s.upstream != nil {
		var err error
		up, err = s.upstream.Start(ctx, in)
		if err != nil {
			return nil, err
		}
		in = &upstreamOutput{stage: up}
	}

	w, err := s.Shell.Start(ctx, StartRequest{
		Script: s.Text,
		Dir:    s.Shell.MapToInternalPath(s.Dir),
		Input:  in,
	})
	if err != nil {
		if up != nil {
			_ = up.Close()
		}
		return nil, fmt.Errorf("starting script %q: %w", firstLine(s.Text), err)
	}
	return &Stage{Worker: w, Script: s, Upstream: up}, nil
}

// Evaluate runs the pipeline and returns its output with trailing whitespace trimmed.
func (s *Script) Evaluate(ctx context.Context, in io.Reader) (string, error) {
	var buf bytes.Buffer
	err := s.run(ctx, in, &buf, &buf)
	if err != nil {
		return "", err
	}
	return strings.TrimRightFunc(buf.String(), unicode.IsSpace), nil
}

// Run runs the pipeline, streaming its untrimmed output into out as it is produced.
func (s *Script) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	tail := tailbuf.New(outputTailSize)
	return s.run(ctx, in, io.MultiWriter(out, tail), tail)
}

// Stream starts the pipeline and returns its output for the caller to read.
// Reaching the end of the output verifies every stage and releases the pipeline; so does Close.
func (s *Script) Stream(ctx context.Context, in io.Reader) (io.ReadCloser, error) {
	st, err := s.Start(ctx, in)
	if err != nil {
		return nil, err
	}
	return &streamReader{ctx: ctx, stage: st, collected: tailbuf.New(outputTailSize)}, nil
}

func (s *Script) run(ctx context.Context, in io.Reader, out io.Writer, collected fmt.Stringer) error {
	st, err := s.Start(ctx, in)
	if err != nil {
		return err
	}
	defer st.Close()

	_, err = relay.Stream(ctx, out, st.Output())
	if err == nil {
		err = EnsureCompleted(ctx, st)
	}
	if err != nil {
		return st.fail(ctx, err, collected.String())
	}
	return nil
}

// EnsureCompleted confirms that every upstream stage of st completed successfully, draining whatever
// output they have left. A stage whose consumer stopped reading early was cut off, like a shell pipe
// writer getting SIGPIPE, and is not treated as a failure.
func EnsureCompleted(ctx context.Context, st *Stage) error {
	for up := st.Upstream; up != nil; up = up.Upstream {
		if up.Abandoned() {
			continue
		}
		_, err := relay.Stream(ctx, io.Discard, up.Output())
		if err != nil && !up.Abandoned() {
			return err
		}
	}
	return nil
}

func firstLine(s string) string {
	line, _, found := strings.Cut(s, "\n")
	if found {
		return line + " ..."
	}
	return line
}

// isCancellation reports whether err is the caller's cancellation rather than a backend failure.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
