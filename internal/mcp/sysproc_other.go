//go:build !unix && !windows

package mcp

import (
	"os"
	"syscall"
)

func detachedSysProcAttr() *syscall.SysProcAttr {
	return nil
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
