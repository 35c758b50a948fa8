package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gtwatts/wezterm-sub001/internal/buildinfo"
)

// Default timeouts applied when [Options] leaves them zero.
const (
	DefaultInitTimeout     = 30 * time.Second
	DefaultRequestTimeout  = 60 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// maxListPages bounds cursor pagination on list calls.
const maxListPages = 100

// replyQueueSize bounds replies to server requests awaiting a write.
const replyQueueSize = 16

// ConnState is the lifecycle state of a [Client].
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateInitializing
	StateReady
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// ServerConfig describes how to launch one MCP server.
type ServerConfig struct {
	Command string
	Args    []string

	// Env entries use "KEY=VALUE" form and are appended to the current
	// process environment.
	Env []string

	Dir string

	// Transport must be "stdio" or empty.
	Transport string

	// IncludeTools and ExcludeTools filter what the Manager puts in its
	// catalog. A non-empty include list wins over exclude.
	IncludeTools []string
	ExcludeTools []string
}

// Options tune a client connection. The zero value is usable.
type Options struct {
	// ClientName and ClientVersion are sent as clientInfo during the
	// handshake. Defaults: "mcpctl" and [buildinfo.ClientVersion].
	ClientName    string
	ClientVersion string

	InitTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	// OnNotification, if set, receives every server notification after
	// the client's own handling. It runs on the reader goroutine and
	// must not block.
	OnNotification func(server, method string, params json.RawMessage)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ClientName == "" {
		o.ClientName = "mcpctl"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = buildinfo.ClientVersion()
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Client is a live connection to a single MCP server. It is safe for
// concurrent use: any number of goroutines may have requests in flight,
// and each is resolved independently.
type Client struct {
	name      string
	id        string
	transport Transport
	logger    *slog.Logger
	opts      Options

	state   atomic.Int32
	pending *pendingTable

	// Set by the handshake before the client is returned to callers;
	// read-only afterwards.
	serverInfo      Implementation
	capabilities    ServerCapabilities
	protocolVersion string

	toolsChanged     *broadcast
	resourcesChanged *broadcast

	// Replies to server-initiated requests, written off the reader
	// goroutine by replyLoop.
	replies chan []byte

	disconnectOnce sync.Once
	done           chan struct{}
	readerDone     chan struct{}
	shutdownOnce   sync.Once
}

// Connect spawns the server described by cfg, performs the MCP handshake,
// and returns a ready client. On any failure the subprocess is killed and
// the error is returned.
func Connect(ctx context.Context, name string, cfg ServerConfig, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	if cfg.Transport != "" && cfg.Transport != "stdio" {
		return nil, fmt.Errorf("connect %s: unsupported transport %q", name, cfg.Transport)
	}

	transport, err := StartStdio(StdioConfig{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Dir:     cfg.Dir,
		Logger:  opts.Logger.With("mcp_server", name),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	c, err := ConnectTransport(ctx, name, transport, opts)
	if err != nil {
		if tail := transport.StderrTail(); len(tail) > 0 {
			opts.Logger.Debug("MCP subprocess stderr before failure",
				"mcp_server", name,
				"stderr", tail,
			)
		}
		return nil, err
	}
	return c, nil
}

// ConnectTransport runs the MCP handshake over an already-wired transport
// and returns a ready client. The transport is closed on failure.
func ConnectTransport(ctx context.Context, name string, transport Transport, opts Options) (*Client, error) {
	c := newClient(name, transport, opts.withDefaults())

	c.state.Store(int32(StateInitializing))
	go c.readLoop()
	go c.replyLoop()

	if err := c.initialize(ctx); err != nil {
		c.teardown(0)
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	if !c.transition(StateInitializing, StateReady) {
		c.teardown(0)
		return nil, fmt.Errorf("connect %s: %w", name, ErrDisconnected)
	}
	return c, nil
}

func newClient(name string, transport Transport, opts Options) *Client {
	id := uuid.NewString()
	c := &Client{
		name:             name,
		id:               id,
		transport:        transport,
		logger:           opts.Logger.With("mcp_server", name, "conn_id", id),
		opts:             opts,
		pending:          newPendingTable(),
		toolsChanged:     newBroadcast(),
		resourcesChanged: newBroadcast(),
		replies:          make(chan []byte, replyQueueSize),
		done:             make(chan struct{}),
		readerDone:       make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// ID returns the unique id of this connection, as logged in conn_id.
func (c *Client) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// ServerInfo returns the server's name and version from the handshake.
func (c *Client) ServerInfo() Implementation {
	return c.serverInfo
}

// Capabilities returns the capabilities the server declared.
func (c *Client) Capabilities() ServerCapabilities {
	return c.capabilities
}

// ProtocolVersion returns the protocol version the server answered with.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// StderrTail returns recent stderr output for process transports.
func (c *Client) StderrTail() []string {
	if st, ok := c.transport.(interface{ StderrTail() []string }); ok {
		return st.StderrTail()
	}
	return nil
}

// Done returns a channel that is closed when the connection becomes
// disconnected, for whatever reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ToolsChanged returns a channel that is closed the next time the server
// sends notifications/tools/list_changed. Callers re-run [Client.ListTools]
// and call ToolsChanged again for the following change.
func (c *Client) ToolsChanged() <-chan struct{} {
	return c.toolsChanged.wait()
}

// ResourcesChanged is the resources counterpart of [Client.ToolsChanged].
func (c *Client) ResourcesChanged() <-chan struct{} {
	return c.resourcesChanged.wait()
}

// Request sends a JSON-RPC request and waits for its result. The wait is
// bounded by ctx and by the configured request timeout, whichever ends
// first. Server errors are returned as [*RPCError].
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != StateReady {
		return nil, fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
	result, err := c.call(ctx, method, params, c.opts.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return result, nil
}

// Notify sends a JSON-RPC notification. No response is awaited.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	if c.State() != StateReady {
		return fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
	if err := c.notify(ctx, method, params); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// call is Request without the state check, so the handshake can use it
// while the client is still initializing.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.pending.allocate()

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", ErrSerialization, err)
	}

	ch, err := c.pending.register(id)
	if err != nil {
		return nil, err
	}

	if err := c.write(data); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-timer:
		c.pending.remove(id)
		c.logger.Warn("MCP request timed out", "method", method, "id", id, "timeout", timeout)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		c.pending.remove(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (c *Client) notify(_ context.Context, method string, params any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("%w: marshal notification: %w", ErrSerialization, err)
	}
	return c.write(data)
}

// write sends one line. A failed write means the server can no longer
// hear us, so the connection is torn down for everyone.
func (c *Client) write(data []byte) error {
	if err := c.transport.WriteLine(data); err != nil {
		if c.State() == StateDisconnected {
			return ErrDisconnected
		}
		c.logger.Warn("MCP write failed", "error", err)
		c.disconnect(err)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// ListTools calls tools/list, following pagination cursors, and returns
// every tool the server offers. Results are not cached.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	cursor := ""
	for page := 0; ; page++ {
		if page == maxListPages {
			c.logger.Warn("tools/list pagination limit reached", "pages", page)
			break
		}

		raw, err := c.Request(ctx, methodToolsList, cursorParams(cursor))
		if err != nil {
			return nil, err
		}

		var result ListToolsResult
		if err := decodeResult(methodToolsList, raw, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by name with the given arguments. A result with
// IsError set is a tool-level failure and is returned without error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{name, args}

	raw, err := c.Request(ctx, methodToolsCall, params)
	if err != nil {
		return nil, err
	}

	var result CallToolResult
	if err := decodeResult(methodToolsCall, raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResources calls resources/list, following pagination cursors.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	var resources []ResourceDefinition
	cursor := ""
	for page := 0; ; page++ {
		if page == maxListPages {
			c.logger.Warn("resources/list pagination limit reached", "pages", page)
			break
		}

		raw, err := c.Request(ctx, methodResourcesList, cursorParams(cursor))
		if err != nil {
			return nil, err
		}

		var result ListResourcesResult
		if err := decodeResult(methodResourcesList, raw, &result); err != nil {
			return nil, err
		}
		resources = append(resources, result.Resources...)

		if result.NextCursor == "" || result.NextCursor == cursor {
			break
		}
		cursor = result.NextCursor
	}

	c.logger.Debug("discovered MCP resources", "count", len(resources))
	return resources, nil
}

// ReadResource calls resources/read for uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	raw, err := c.Request(ctx, methodResourcesRead, map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}

	var result ReadResourceResult
	if err := decodeResult(methodResourcesRead, raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, methodPing, nil)
	return err
}

// Shutdown closes the server's stdin, waits up to the shutdown timeout
// for it to exit, kills it if needed, and fails every request still
// pending with [ErrDisconnected]. Responses the server flushes while it
// exits still complete their requests. It is idempotent and safe to call
// after the server has already gone away.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Info("shutting down MCP client")
		c.teardown(c.opts.ShutdownTimeout)
	})
}

// teardown refuses new requests, releases the transport, and then fails
// whatever is still pending. The reader keeps routing responses until
// the transport closes.
func (c *Client) teardown(grace time.Duration) {
	prev := ConnState(c.state.Swap(int32(StateDisconnected)))
	c.logger.Debug("closing MCP transport", "previous_state", prev.String(), "grace", grace)
	if err := c.transport.Close(grace); err != nil {
		c.logger.Warn("MCP transport close failed", "error", err)
	}
	c.disconnect(nil)
	<-c.readerDone
}

// disconnect moves the client to StateDisconnected and fails every
// pending request. Only the first call has any effect; EOF detection and
// Shutdown both funnel through here.
func (c *Client) disconnect(cause error) {
	c.disconnectOnce.Do(func() {
		prev := ConnState(c.state.Swap(int32(StateDisconnected)))
		n := c.pending.failAll(ErrDisconnected)
		close(c.done)

		attrs := []any{"pending_failed", n}
		if prev != StateDisconnected {
			attrs = append(attrs, "previous_state", prev.String())
		}
		if cause != nil {
			attrs = append(attrs, "cause", cause)
		}
		c.logger.Info("MCP client disconnected", attrs...)
	})
}

func (c *Client) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func cursorParams(cursor string) any {
	if cursor == "" {
		return nil
	}
	return map[string]any{"cursor": cursor}
}

// decodeResult unmarshals a method result, wrapping failures in
// [ErrSerialization] so they are distinguishable from RPC failures.
func decodeResult(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s: %w: empty result", method, ErrSerialization)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: %w: %w", method, ErrSerialization, err)
	}
	return nil
}

// broadcast is a reusable wake-all signal. Waiters receive a channel that
// is closed on the next notify.
type broadcast struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcast() *broadcast {
	return &broadcast{ch: make(chan struct{})}
}

func (b *broadcast) wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

func (b *broadcast) notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}
