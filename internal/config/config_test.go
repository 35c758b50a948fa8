package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// clearEnvOverrides blanks every MCPCTL_* override so the host
// environment cannot leak into a test.
func clearEnvOverrides(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MCPCTL_LOG_LEVEL", "MCPCTL_LOG_FORMAT", "MCPCTL_INIT_TIMEOUT", "MCPCTL_REQUEST_TIMEOUT", "MCPCTL_SHUTDOWN_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/mcp.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// Point HOME and CWD at empty directories so no real config is found.
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)

	if _, err := os.Stat("/etc/mcpctl/config.yaml"); err == nil {
		t.Skip("system config present")
	}

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mcp.yaml"), []byte("log_level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "mcp.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "mcp.yaml")
	}
}

func TestFindConfig_Home(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	path := filepath.Join(home, ".config", "mcpctl", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, path)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnvOverrides(t)
	path := writeConfig(t, "mcp:\n  servers: {}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if diff := cmp.Diff(Default().MCP.InitTimeout, cfg.MCP.InitTimeout); diff != "" {
		t.Errorf("init_timeout mismatch (-want +got):\n%s", diff)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.MCP.ClientName != "mcpctl" {
		t.Errorf("client_name = %q, want mcpctl", cfg.MCP.ClientName)
	}
	if cfg.MCP.MaxConcurrentConnects != 4 {
		t.Errorf("max_concurrent_connects = %d, want 4", cfg.MCP.MaxConcurrentConnects)
	}
}

func TestLoad_Servers(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("MCPCTL_TEST_TOKEN", "secret123")
	t.Setenv("MCPCTL_TEST_ROOT", "/srv/data")

	path := writeConfig(t, `
log_level: debug
log_format: json
mcp:
  init_timeout: 10s
  request_timeout: 2m
  servers:
    github:
      command: github-mcp-server
      args: ["stdio", "--toolsets", "repos"]
      env:
        GITHUB_TOKEN: ${MCPCTL_TEST_TOKEN}
        MISSING: ${MCPCTL_TEST_UNSET_VAR}
      exclude_tools: [delete_repo]
    files:
      transport: stdio
      command: npx
      args: ["-y", "@modelcontextprotocol/server-filesystem", "${MCPCTL_TEST_ROOT}"]
      include_tools: [read_file, list_directory]
    remote:
      transport: streamable-http
    old:
      command: old-server
      disabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.MCP.InitTimeout != 10*time.Second || cfg.MCP.RequestTimeout != 2*time.Minute {
		t.Errorf("timeouts = %s/%s, want 10s/2m", cfg.MCP.InitTimeout, cfg.MCP.RequestTimeout)
	}
	if cfg.MCP.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout = %s, want default 5s", cfg.MCP.ShutdownTimeout)
	}

	if diff := cmp.Diff([]string{"files", "github", "old", "remote"}, cfg.ServerNames()); diff != "" {
		t.Errorf("ServerNames mismatch (-want +got):\n%s", diff)
	}

	gh := cfg.MCP.Servers["github"]
	want := MCPServerConfig{
		Transport: "stdio",
		Command:   "github-mcp-server",
		Args:      []string{"stdio", "--toolsets", "repos"},
		Env: map[string]string{
			"GITHUB_TOKEN": "secret123",
			"MISSING":      "${MCPCTL_TEST_UNSET_VAR}",
		},
		ExcludeTools: []string{"delete_repo"},
	}
	if diff := cmp.Diff(want, gh); diff != "" {
		t.Errorf("github server mismatch (-want +got):\n%s", diff)
	}

	files := cfg.MCP.Servers["files"]
	if got := files.Args[2]; got != "/srv/data" {
		t.Errorf("files arg = %q, want /srv/data", got)
	}
	if cfg.MCP.Servers["remote"].Transport != "streamable-http" {
		t.Errorf("remote transport = %q", cfg.MCP.Servers["remote"].Transport)
	}
	if !cfg.MCP.Servers["old"].Disabled {
		t.Error("old server not disabled")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("MCPCTL_LOG_LEVEL", "trace")
	t.Setenv("MCPCTL_REQUEST_TIMEOUT", "90s")
	t.Setenv("MCPCTL_SHUTDOWN_TIMEOUT", "1s")

	path := writeConfig(t, "log_level: warn\nmcp:\n  request_timeout: 10s\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LogLevel != "trace" {
		t.Errorf("log_level = %q, want trace", cfg.LogLevel)
	}
	if cfg.MCP.RequestTimeout != 90*time.Second {
		t.Errorf("request_timeout = %s, want 90s", cfg.MCP.RequestTimeout)
	}
	if cfg.MCP.ShutdownTimeout != time.Second {
		t.Errorf("shutdown_timeout = %s, want 1s", cfg.MCP.ShutdownTimeout)
	}
	if cfg.MCP.InitTimeout != 30*time.Second {
		t.Errorf("init_timeout = %s, want untouched 30s", cfg.MCP.InitTimeout)
	}
}

func TestLoad_BadEnvOverride(t *testing.T) {
	clearEnvOverrides(t)
	t.Setenv("MCPCTL_INIT_TIMEOUT", "soon")

	if _, err := Load(writeConfig(t, "log_level: info\n")); err == nil {
		t.Fatal("Load with unparseable duration override should error")
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnvOverrides(t)

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad yaml", "mcp: [unterminated\n", "parse"},
		{"bad log level", "log_level: chatty\n", "unknown log level"},
		{"bad log format", "log_format: xml\n", "unknown log format"},
		{"missing command", "mcp:\n  servers:\n    broken:\n      args: [x]\n", "command is required"},
		{"colliding names", "mcp:\n  servers:\n    my-server:\n      command: a\n    my_server:\n      command: b\n", `"my_server": name collides with "my-server"`},
		{"double underscore name", "mcp:\n  servers:\n    a__b:\n      command: x\n", "must not contain"},
		{"negative timeout", "mcp:\n  init_timeout: -1s\n", "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestEnvList(t *testing.T) {
	s := MCPServerConfig{Env: map[string]string{"B": "2", "A": "1", "C": "x=y"}}
	if diff := cmp.Diff([]string{"A=1", "B=2", "C=x=y"}, s.EnvList()); diff != "" {
		t.Errorf("EnvList mismatch (-want +got):\n%s", diff)
	}
	if got := (MCPServerConfig{}).EnvList(); len(got) != 0 {
		t.Errorf("empty EnvList = %v", got)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("MCPCTL_TEST_SET", "value")

	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"${MCPCTL_TEST_SET}", "value"},
		{"pre-${MCPCTL_TEST_SET}-post", "pre-value-post"},
		{"${MCPCTL_TEST_SET}${MCPCTL_TEST_SET}", "valuevalue"},
		{"${MCPCTL_TEST_NOT_SET_ANYWHERE}", "${MCPCTL_TEST_NOT_SET_ANYWHERE}"},
		{"$MCPCTL_TEST_SET", "$MCPCTL_TEST_SET"},
		{"{print $1}", "{print $1}"},
		{"pa$$word", "pa$$word"},
		{"cost $5", "cost $5"},
		{"trailing $", "trailing $"},
		{"${}", "${}"},
		{"open ${MCPCTL_TEST_SET", "open ${MCPCTL_TEST_SET"},
		{"$${MCPCTL_TEST_SET}", "$value"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandVars(tt.in); got != tt.want {
			t.Errorf("ExpandVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
