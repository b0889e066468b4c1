//go:build windows

package core

import "syscall"

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

func terminateGroup(pid int) error {
	p, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer syscall.CloseHandle(p)
	return syscall.TerminateProcess(p, 1)
}

func killGroup(pid int) error {
	return terminateGroup(pid)
}

func exitSignal(err error) (string, bool) {
	return "", false
}
