//go:build linux

package handler

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		// New process group to manage children as a unit
		Setpgid: true,
		// Don't outlive the daemon
		Pdeathsig: syscall.SIGKILL,
	}
}
