//go:build windows

package process

import "syscall"

func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func terminateGroup(pid int) {}

func killGroup(pid int) {}
