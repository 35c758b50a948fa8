package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gtwatts/wezterm-sub001/examples"
)

// runInit writes an example mcp.yaml into dir, creating dir if needed.
// An existing config is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "mcp.yaml")
	written, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit mcp.yaml to add your MCP servers, then run: mcpctl tools")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. The file may hold secrets in server env blocks, so it is created
// owner-only.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
