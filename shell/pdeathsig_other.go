//go:build unix && !linux

package shell

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {}
