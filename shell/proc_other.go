//go:build !unix

package shell

import (
	"errors"
	"os"
	"os/exec"
)

func prepare(cmd *exec.Cmd) {}

func killTree(p *os.Process) error {
	err := p.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
