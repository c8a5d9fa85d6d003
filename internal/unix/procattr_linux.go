//go:build linux

package unix

import "syscall"

// SysProcAttr returns process attributes that put the child in its own
// process group. Pdeathsig makes the kernel send SIGTERM to the daemon if
// the test process dies without running its cleanups.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
