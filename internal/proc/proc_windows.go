//go:build windows

package proc

import "syscall"

// claudeSysProcAttr returns the SysProcAttr for agent subprocesses.
func claudeSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// killGroup is unsupported on Windows; callers fall back to killing
// the process directly.
func killGroup(pid int, sig syscall.Signal) error {
	return syscall.EWINDOWS
}
