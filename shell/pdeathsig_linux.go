package shell

import "syscall"

// setDeathSignal makes the kernel kill the child if this process dies without sweeping.
func setDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
