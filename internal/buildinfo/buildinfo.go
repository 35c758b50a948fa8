// Package buildinfo reports which mcpctl binary is running.
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

// Release builds stamp these with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/gtwatts/wezterm-sub001/internal/buildinfo.Version=v0.3.0"
//
// Anything left unset is filled from the module and VCS metadata the Go
// toolchain embeds.
var (
	Version   = "dev"
	GitCommit = ""
	GitBranch = ""
	BuildTime = ""
)

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit,omitempty"`
	Branch    string `json:"git_branch,omitempty"`
	Time      string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Read returns the metadata for the running binary. Stamped values win
// over embedded ones.
func Read() Build {
	b := Build{
		Version:   Version,
		Commit:    GitCommit,
		Branch:    GitBranch,
		Time:      BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Time == "" {
				b.Time = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// ClientVersion is the version reported to MCP servers as
// clientInfo.version.
func ClientVersion() string {
	return Read().Version
}

// String returns a one-line summary, e.g.
// "mcpctl v0.3.0 (1a2b3c4d5e6f@main) built 2026-01-02T03:04:05Z go1.24.4 linux/amd64".
func (b Build) String() string {
	s := "mcpctl " + b.Version
	if b.Commit != "" {
		rev := b.Commit
		if len(rev) > 12 {
			rev = rev[:12]
		}
		if b.Modified {
			rev += "+dirty"
		}
		if b.Branch != "" {
			rev += "@" + b.Branch
		}
		s += " (" + rev + ")"
	}
	if b.Time != "" {
		s += " built " + b.Time
	}
	return s + " " + b.GoVersion + " " + b.OS + "/" + b.Arch
}
