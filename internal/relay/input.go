package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

const keyEOT = 0x04 // ctrl-D

// Abandoner is implemented by sources that need to know when their consumer stopped reading,
// such as the output of an upstream pipeline stage.
type Abandoner interface {
	Abandon()
}

// Input feeds src into dst, then closes dst so the receiving backend observes end of input.
//
// When src is a terminal, it is put into raw mode and forwarded one key at a time: carriage returns
// become newlines and every key is echoed to mirror, if set. Any other source is forwarded in chunks as read.
//
// A failure to read src is returned as-is and is a relay fault. A failure to write dst means the
// consumer went away; it is reported as ErrConsumerGone and, if src is an Abandoner, src is abandoned.
func Input(ctx context.Context, dst io.WriteCloser, src io.Reader, mirror io.Writer, opts ...Option) (err error) {
	cfg := newConfig(opts)
	defer func() {
		if cfg.beforeClose != nil {
			cfg.beforeClose(err)
		}
		closeErr := dst.Close()
		if closeErr != nil {
			cfg.log.Debugf("closing input destination: %s", closeErr)
		}
	}()

	if f, ok := src.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		err = interactive(ctx, dst, f, mirror, cfg)
	} else {
		_, err = stream(ctx, dst, src, ChunkSize, cfg)
	}

	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		if a, ok := src.(Abandoner); ok {
			a.Abandon()
		}
		return fmt.Errorf("%w: %s", ErrConsumerGone, sinkErr.Err)
	}
	return err
}

func interactive(ctx context.Context, dst io.Writer, f *os.File, mirror io.Writer, cfg *config) error {
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("putting terminal into raw mode: %w", err)
	}
	defer func() {
		if err := term.Restore(fd, state); err != nil {
			cfg.log.Debugf("restoring terminal: %s", err)
		}
	}()
	_, err = stream(ctx, dst, &keyReader{src: f, mirror: mirror}, 1, cfg)
	return err
}

// keyReader reads single keys from a raw-mode terminal.
type keyReader struct {
	src    io.Reader
	mirror io.Writer
}

func (k *keyReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := k.src.Read(p[:1])
	if n == 0 {
		return 0, err
	}
	switch p[0] {
	case keyEOT:
		return 0, io.EOF
	case '\r':
		p[0] = '\n'
	}
	if k.mirror != nil {
		echo := p[:1]
		if p[0] == '\n' {
			echo = []byte("\r\n")
		}
		_, _ = k.mirror.Write(echo)
	}
	return 1, err
}
