package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// LevelTrace is below Debug, used for wire-level line logging.
const LevelTrace = slog.Level(-8)

// stderrTailLines is how many trailing stderr lines a transport retains
// for diagnostics.
const stderrTailLines = 50

// Transport carries newline-delimited JSON-RPC messages between the
// client and one MCP server.
type Transport interface {
	// Reader returns the stream of server output. Only the client's
	// reader loop consumes it.
	Reader() io.Reader

	// WriteLine writes one complete message followed by a newline.
	// Concurrent calls never interleave.
	WriteLine(line []byte) error

	// CloseWrite signals EOF to the server. It is safe to call more
	// than once.
	CloseWrite() error

	// Close releases the transport. For processes it closes stdin,
	// waits up to grace for a natural exit, then kills. It is safe to
	// call more than once.
	Close(grace time.Duration) error
}

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	cmd    *exec.Cmd
	kill   func(*os.Process) error
	stdout *os.File
	reader *bufio.Reader

	wmu       sync.Mutex
	stdin     io.WriteCloser
	stdinOnce sync.Once

	stderr *tailBuffer

	waitDone  chan struct{}
	waitErr   error
	closeOnce sync.Once
	closeErr  error
}

// StartStdio launches the subprocess described by cfg and wires its
// pipes. The child runs in its own session so signals delivered to our
// process group are not forwarded to it. Errors wrap [ErrSpawnFailed].
func StartStdio(cfg StdioConfig) (*StdioTransport, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting MCP subprocess",
		"command", cfg.Command,
		"args", cfg.Args,
	)

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	cmd.SysProcAttr = detachedSysProcAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %w", ErrSpawnFailed, err)
	}

	// stdout and stderr use our own pipes rather than StdoutPipe so that
	// cmd.Wait never closes the read side while lines are still buffered.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: create stdout pipe: %w", ErrSpawnFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: create stderr pipe: %w", ErrSpawnFailed, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("%w: start %s: %w", ErrSpawnFailed, cfg.Command, err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	t := &StdioTransport{
		config:   cfg,
		logger:   logger,
		cmd:      cmd,
		kill:     killProcess,
		stdout:   stdoutR,
		reader:   bufio.NewReaderSize(stdoutR, 1<<20), // 1 MiB buffer for large responses
		stdin:    stdin,
		stderr:   newTailBuffer(stderrTailLines),
		waitDone: make(chan struct{}),
	}

	go t.drainStderr(stderrR)
	go func() {
		t.waitErr = cmd.Wait()
		close(t.waitDone)
	}()

	logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return t, nil
}

// Pid returns the process id of the subprocess.
func (t *StdioTransport) Pid() int {
	return t.cmd.Process.Pid
}

// Exited returns a channel that is closed once the subprocess has been
// reaped.
func (t *StdioTransport) Exited() <-chan struct{} {
	return t.waitDone
}

// StderrTail returns the most recent stderr lines, oldest first.
func (t *StdioTransport) StderrTail() []string {
	return t.stderr.lines()
}

// Reader implements [Transport].
func (t *StdioTransport) Reader() io.Reader {
	return t.reader
}

// WriteLine implements [Transport].
func (t *StdioTransport) WriteLine(line []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.logger.Log(context.Background(), LevelTrace, "MCP send", "line", string(line))

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := t.stdin.Write(buf); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// CloseWrite implements [Transport]. It does not wait for an in-flight
// write; closing the pipe unblocks it with an error instead.
func (t *StdioTransport) CloseWrite() error {
	var err error
	t.stdinOnce.Do(func() {
		err = t.stdin.Close()
	})
	return err
}

// Close implements [Transport]. It closes stdin to signal the subprocess
// to exit, waits up to grace, then kills the process group.
func (t *StdioTransport) Close(grace time.Duration) error {
	t.closeOnce.Do(func() {
		t.closeErr = t.stop(grace)
	})
	return t.closeErr
}

func (t *StdioTransport) stop(grace time.Duration) error {
	pid := t.cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	_ = t.CloseWrite()

	var killErr error
	select {
	case <-t.waitDone:
	case <-time.After(grace):
		// Both cases can be ready at once when grace is zero. A reaped
		// pid may already belong to someone else, so never signal it.
		select {
		case <-t.waitDone:
		default:
			if grace > 0 {
				t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
			}
			killErr = t.kill(t.cmd.Process)
			<-t.waitDone
		}
	}

	// A grandchild may still hold stdout open; closing our end
	// unblocks the reader loop either way.
	t.stdout.Close()

	t.logger.Debug("MCP subprocess exited", "pid", pid, "status", t.waitErr)
	if killErr != nil {
		return fmt.Errorf("kill subprocess %d: %w", pid, killErr)
	}
	return nil
}

// drainStderr reads stderr lines, logs them at debug level, and keeps
// the tail for diagnostics.
func (t *StdioTransport) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.add(line)
		t.logger.Debug("MCP subprocess stderr", "line", line)
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu   sync.Mutex
	max  int
	data []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{max: n}
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, line)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
}

func (b *tailBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.data))
	copy(out, b.data)
	return out
}
