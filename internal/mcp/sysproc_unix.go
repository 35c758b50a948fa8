//go:build unix

package mcp

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// detachedSysProcAttr starts the child as a session leader so terminal
// signals sent to our process group do not reach it.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// killProcess kills the child's whole process group. As a session leader
// the child's pid is also its group id, so helpers it spawned go too.
func killProcess(p *os.Process) error {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return p.Kill()
	}
	return nil
}
