//go:build windows

package mcp

import (
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

// detachedSysProcAttr puts the child in a new process group so console
// control events sent to our group do not reach it.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
