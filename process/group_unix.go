//go:build !windows

package process

import "syscall"

// processGroupAttr makes the child the leader of a new session so that the
// whole tree can be signalled at once.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

func terminateGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}
