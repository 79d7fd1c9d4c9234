//go:build !windows

package proc

import "syscall"

// claudeSysProcAttr returns the SysProcAttr for agent subprocesses.
// Each subprocess gets its own process group so it survives a daemon
// restart and can be killed together with its tool children.
func claudeSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killGroup delivers a signal to the subprocess's whole process group.
func killGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
