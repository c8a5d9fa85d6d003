//go:build unix && !linux

package unix

import "syscall"

// SysProcAttr returns process attributes that put the child in its own
// process group. Pdeathsig is not available outside Linux.
func SysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}
