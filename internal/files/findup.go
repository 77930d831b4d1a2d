package files

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

var ErrNotFound = errors.New("file not found")

// FindUp searches dir and each of its parents for an entry called name, returning the first match.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %q: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", fmt.Errorf("%w: %q in %q or its parents", ErrNotFound, name, dir)
		}
		curDir = newDir
	}
}

// FindBinary locates an executable, first searching up from the working directory and then falling back to PATH.
func FindBinary(name string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	p, err := FindUp(name, wd)
	if err == nil {
		return p, nil
	}
	p, pathErr := exec.LookPath(name)
	if pathErr != nil {
		return "", fmt.Errorf("%w: %q not found upwards of %q or in PATH", ErrNotFound, name, wd)
	}
	return p, nil
}
