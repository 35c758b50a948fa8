package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConnectConcurrency bounds how many servers ConnectAll starts at once.
const DefaultConnectConcurrency = 4

// connectFunc matches [Connect]; tests substitute in-memory servers.
type connectFunc func(ctx context.Context, name string, cfg ServerConfig, opts Options) (*Client, error)

// Manager owns the connections to every configured MCP server and the
// flat catalog of tools they expose. A server that fails at any stage of
// startup is logged and skipped; it never prevents the others from
// connecting.
type Manager struct {
	opts        Options
	logger      *slog.Logger
	concurrency int
	connect     connectFunc

	mu      sync.RWMutex
	clients map[string]*Client
	configs map[string]ServerConfig
	tools   map[string][]CatalogEntry
}

// NewManager creates an empty manager. Options are passed to every
// connection. concurrency <= 0 selects [DefaultConnectConcurrency].
func NewManager(opts Options, concurrency int) *Manager {
	opts = opts.withDefaults()
	if concurrency <= 0 {
		concurrency = DefaultConnectConcurrency
	}
	return &Manager{
		opts:        opts,
		logger:      opts.Logger,
		concurrency: concurrency,
		connect:     Connect,
		clients:     make(map[string]*Client),
		configs:     make(map[string]ServerConfig),
		tools:       make(map[string][]CatalogEntry),
	}
}

// ConnectAll connects to every stdio server in servers, performs the
// handshake, and discovers its tools. Failures are logged per server.
// It returns once every attempt has finished.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]ServerConfig) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	// Servers are namespaced by their sanitized name, so two names that
	// sanitize alike cannot both be connected.
	taken := make(map[string]string)
	m.mu.RLock()
	for name := range m.clients {
		taken[SanitizeName(name)] = name
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.concurrency)

	for _, name := range names {
		cfg := servers[name]
		if cfg.Transport != "" && cfg.Transport != "stdio" {
			m.logger.Warn("MCP server transport not supported, skipping",
				"mcp_server", name,
				"transport", cfg.Transport,
			)
			continue
		}

		m.mu.RLock()
		_, exists := m.clients[name]
		m.mu.RUnlock()
		if exists {
			m.logger.Warn("MCP server already connected, skipping", "mcp_server", name)
			continue
		}
		key := SanitizeName(name)
		if other, ok := taken[key]; ok {
			m.logger.Error("MCP server name collides with another server, skipping",
				"mcp_server", name,
				"other_server", other,
				"namespace", key,
			)
			continue
		}
		taken[key] = name

		g.Go(func() error {
			m.connectOne(ctx, name, cfg)
			return nil
		})
	}

	_ = g.Wait()

	m.logger.Info("MCP servers connected",
		"configured", len(servers),
		"connected", m.ServerCount(),
		"tools", len(m.Tools()),
	)
}

// connectOne brings up a single server. The client is only registered
// once discovery has succeeded.
func (m *Manager) connectOne(ctx context.Context, name string, cfg ServerConfig) {
	client, err := m.connect(ctx, name, cfg, m.opts)
	if err != nil {
		m.logger.Error("MCP server connection failed",
			"mcp_server", name,
			"error", err,
		)
		return
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		m.logger.Error("MCP tool discovery failed",
			"mcp_server", name,
			"error", err,
		)
		client.Shutdown()
		return
	}

	entries := m.catalog(name, filterTools(tools, cfg.IncludeTools, cfg.ExcludeTools))

	m.mu.Lock()
	m.clients[name] = client
	m.configs[name] = cfg
	m.tools[name] = entries
	m.mu.Unlock()

	m.logger.Info("MCP server connected",
		"mcp_server", name,
		"server_name", client.ServerInfo().Name,
		"server_version", client.ServerInfo().Version,
		"tools", len(entries),
	)
}

// Client returns the connection for a server name.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// ServerNames returns the connected server names in sorted order.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerCount returns the number of connected servers.
func (m *Manager) ServerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Tools returns the flat catalog of discovered tools, ordered by server
// name and then by the order each server listed them.
func (m *Manager) Tools() []CatalogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []CatalogEntry
	for _, name := range names {
		out = append(out, m.tools[name]...)
	}
	return out
}

// Lookup finds a catalog entry by its namespaced name.
func (m *Manager) Lookup(name string) (CatalogEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, entries := range m.tools {
		for _, e := range entries {
			if e.Name == name {
				return e, true
			}
		}
	}
	return CatalogEntry{}, false
}

// CallTool routes a call for a namespaced tool name to the server that
// owns it.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	entry, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown MCP tool %q", name)
	}
	client, ok := m.Client(entry.Server)
	if !ok {
		return nil, fmt.Errorf("MCP server %q for tool %q: %w", entry.Server, name, ErrDisconnected)
	}
	return client.CallTool(ctx, entry.Tool.Name, args)
}

// RefreshTools re-runs discovery for one server and replaces its catalog
// entries. Callers typically do this after [Client.ToolsChanged] fires.
// It returns the number of tools now in the catalog for that server.
func (m *Manager) RefreshTools(ctx context.Context, server string) (int, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	cfg := m.configs[server]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown MCP server %q", server)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh tools from %s: %w", server, err)
	}
	entries := m.catalog(server, filterTools(tools, cfg.IncludeTools, cfg.ExcludeTools))

	m.mu.Lock()
	m.tools[server] = entries
	m.mu.Unlock()

	m.logger.Info("MCP tools refreshed", "mcp_server", server, "tools", len(entries))
	return len(entries), nil
}

// ShutdownAll shuts down every connection, best-effort and concurrently,
// and empties the manager.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.configs = make(map[string]ServerConfig)
	m.tools = make(map[string][]CatalogEntry)
	m.mu.Unlock()

	var g errgroup.Group
	for name, c := range clients {
		g.Go(func() error {
			m.logger.Info("shutting down MCP server", "mcp_server", name)
			c.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}

// catalog builds a server's catalog entries, logging tools left out
// because their qualified names collide.
func (m *Manager) catalog(server string, tools []ToolDefinition) []CatalogEntry {
	entries, dropped := catalogEntries(server, tools)
	if len(dropped) > 0 {
		m.logger.Warn("MCP tools dropped, qualified name already taken",
			"mcp_server", server,
			"tools", dropped,
		)
	}
	return entries
}
