package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gtwatts/wezterm-sub001/internal/mcp"
)

// command is a subcommand that needs connected MCP servers.
type command struct {
	usage   string
	minArgs int

	// servers picks which configured servers to start from the
	// subcommand arguments. A nil result starts every enabled server.
	servers func(args []string) []string

	// onNotification, if set, builds the notification hook installed on
	// every client before connecting.
	onNotification func(p *printer) func(server, method string, params json.RawMessage)

	run func(ctx context.Context, m *mcp.Manager, p *printer, args []string) error
}

var commands = map[string]command{
	"servers": {
		servers: func([]string) []string { return nil },
		run:     runServers,
	},
	"tools": {
		usage:   "[server...]",
		servers: allArgs,
		run:     runTools,
	},
	"call": {
		usage:   "<server> <tool> [json]",
		minArgs: 2,
		servers: firstArg,
		run:     runCall,
	},
	"resources": {
		usage:   "<server>",
		minArgs: 1,
		servers: firstArg,
		run:     runResources,
	},
	"read": {
		usage:   "<server> <uri>",
		minArgs: 2,
		servers: firstArg,
		run:     runRead,
	},
	"ping": {
		usage:   "[server...]",
		servers: allArgs,
		run:     runPing,
	},
	"watch": {
		usage:          "[server...]",
		servers:        allArgs,
		onNotification: watchNotifications,
		run:            runWatch,
	},
}

func allArgs(args []string) []string { return args }

func firstArg(args []string) []string { return args[:1] }

// printer renders command output as aligned text or indented JSON.
// It is safe for concurrent use.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

func (p *printer) isJSON() bool { return p.format == "json" }

// value writes v as indented JSON.
func (p *printer) value(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes rows under header as tab-aligned columns.
func (p *printer) table(header []string, rows [][]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// text writes s followed by a newline.
func (p *printer) text(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

// event writes one streaming record: a compact JSON line in JSON mode,
// otherwise a timestamped text line.
func (p *printer) event(ev watchEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isJSON() {
		_ = json.NewEncoder(p.w).Encode(ev)
		return
	}
	line := fmt.Sprintf("%s  %-12s %s", ev.Time.Format(time.TimeOnly), ev.Server, ev.Event)
	if ev.Detail != "" {
		line += "  " + ev.Detail
	}
	fmt.Fprintln(p.w, line)
}

type serverView struct {
	Name            string                 `json:"name"`
	ConnID          string                 `json:"conn_id"`
	ServerName      string                 `json:"server_name"`
	ServerVersion   string                 `json:"server_version"`
	ProtocolVersion string                 `json:"protocol_version"`
	Tools           int                    `json:"tools"`
	Capabilities    mcp.ServerCapabilities `json:"capabilities"`
}

func runServers(_ context.Context, m *mcp.Manager, p *printer, _ []string) error {
	counts := make(map[string]int)
	for _, e := range m.Tools() {
		counts[e.Server]++
	}

	var views []serverView
	for _, name := range m.ServerNames() {
		c, ok := m.Client(name)
		if !ok {
			continue
		}
		info := c.ServerInfo()
		views = append(views, serverView{
			Name:            name,
			ConnID:          c.ID(),
			ServerName:      info.Name,
			ServerVersion:   info.Version,
			ProtocolVersion: c.ProtocolVersion(),
			Tools:           counts[name],
			Capabilities:    c.Capabilities(),
		})
	}

	if p.isJSON() {
		return p.value(views)
	}
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Name,
			v.ServerName + "/" + v.ServerVersion,
			v.ProtocolVersion,
			strconv.Itoa(v.Tools),
			capabilityList(v.Capabilities),
		})
	}
	return p.table([]string{"NAME", "SERVER", "PROTOCOL", "TOOLS", "CAPABILITIES"}, rows)
}

func capabilityList(caps mcp.ServerCapabilities) string {
	var out []string
	if caps.Tools != nil {
		out = append(out, "tools")
	}
	if caps.Resources != nil {
		out = append(out, "resources")
	}
	if caps.Prompts != nil {
		out = append(out, "prompts")
	}
	if caps.Logging != nil {
		out = append(out, "logging")
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

type toolView struct {
	Name   string             `json:"name"`
	Server string             `json:"server"`
	Tool   mcp.ToolDefinition `json:"tool"`
}

func runTools(_ context.Context, m *mcp.Manager, p *printer, _ []string) error {
	entries := m.Tools()
	if p.isJSON() {
		views := make([]toolView, 0, len(entries))
		for _, e := range entries {
			views = append(views, toolView{Name: e.Name, Server: e.Server, Tool: e.Tool})
		}
		return p.value(views)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Name, e.Server, firstLine(e.Tool.Description, 60)})
	}
	return p.table([]string{"NAME", "SERVER", "DESCRIPTION"}, rows)
}

// firstLine returns the first line of s, truncated to n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}

func runCall(ctx context.Context, m *mcp.Manager, p *printer, args []string) error {
	server, tool := args[0], args[1]

	var arguments map[string]any
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &arguments); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	res, err := m.CallTool(ctx, mcp.ToolName(server, tool), arguments)
	if err != nil {
		return err
	}

	if p.isJSON() {
		if err := p.value(res); err != nil {
			return err
		}
	} else {
		p.text(res.Text())
	}
	if res.IsError {
		return fmt.Errorf("tool %s on %s reported an error", tool, server)
	}
	return nil
}

func connected(m *mcp.Manager, server string) (*mcp.Client, error) {
	c, ok := m.Client(server)
	if !ok {
		return nil, fmt.Errorf("MCP server %q is not connected", server)
	}
	return c, nil
}

func runResources(ctx context.Context, m *mcp.Manager, p *printer, args []string) error {
	c, err := connected(m, args[0])
	if err != nil {
		return err
	}
	resources, err := c.ListResources(ctx)
	if err != nil {
		return err
	}

	if p.isJSON() {
		return p.value(resources)
	}
	rows := make([][]string, 0, len(resources))
	for _, r := range resources {
		rows = append(rows, []string{r.URI, r.Name, r.MimeType})
	}
	return p.table([]string{"URI", "NAME", "MIME"}, rows)
}

func runRead(ctx context.Context, m *mcp.Manager, p *printer, args []string) error {
	c, err := connected(m, args[0])
	if err != nil {
		return err
	}
	res, err := c.ReadResource(ctx, args[1])
	if err != nil {
		return err
	}

	if p.isJSON() {
		return p.value(res)
	}
	for _, rc := range res.Contents {
		if rc.Text != "" || rc.Blob == "" {
			p.text(rc.Text)
			continue
		}
		p.text(fmt.Sprintf("[%s: %d bytes base64]", rc.URI, len(rc.Blob)))
	}
	return nil
}

type pingView struct {
	Server  string `json:"server"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runPing(ctx context.Context, m *mcp.Manager, p *printer, _ []string) error {
	names := m.ServerNames()
	views := make([]pingView, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			views[i].Server = name
			c, ok := m.Client(name)
			if !ok {
				views[i].Error = "not connected"
				return fmt.Errorf("%s: not connected", name)
			}
			start := time.Now()
			if err := c.Ping(ctx); err != nil {
				views[i].Error = err.Error()
				return fmt.Errorf("%s: %w", name, err)
			}
			views[i].Latency = time.Since(start).Round(time.Microsecond).String()
			return nil
		})
	}
	failed := g.Wait()

	if p.isJSON() {
		if err := p.value(views); err != nil {
			return err
		}
	} else {
		rows := make([][]string, 0, len(views))
		for _, v := range views {
			status := "ok " + v.Latency
			if v.Error != "" {
				status = "error: " + v.Error
			}
			rows = append(rows, []string{v.Server, status})
		}
		if err := p.table([]string{"SERVER", "STATUS"}, rows); err != nil {
			return err
		}
	}
	if failed != nil {
		return fmt.Errorf("ping failed: %w", failed)
	}
	return nil
}

type watchEvent struct {
	Time   time.Time       `json:"time"`
	Server string          `json:"server"`
	Event  string          `json:"event"`
	Detail string          `json:"detail,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func watchNotifications(p *printer) func(server, method string, params json.RawMessage) {
	return func(server, method string, params json.RawMessage) {
		ev := watchEvent{Time: time.Now(), Server: server, Event: method, Params: params}
		if method == "notifications/message" {
			var msg mcp.LoggingMessageParams
			if err := json.Unmarshal(params, &msg); err == nil {
				ev.Detail = msg.Level + " " + string(msg.Data)
			}
		}
		p.event(ev)
	}
}

// runWatch keeps every selected server connected, re-listing tools
// whenever a server announces a change, until ctx is cancelled or every
// server has gone away.
func runWatch(ctx context.Context, m *mcp.Manager, p *printer, _ []string) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, name := range m.ServerNames() {
		c, ok := m.Client(name)
		if !ok {
			continue
		}
		p.event(watchEvent{Time: time.Now(), Server: name, Event: "connected", Detail: c.ID()})

		g.Go(func() error {
			changed := c.ToolsChanged()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-c.Done():
					p.event(watchEvent{Time: time.Now(), Server: name, Event: "disconnected", Detail: strings.Join(c.StderrTail(), " | ")})
					return nil
				case <-changed:
					changed = c.ToolsChanged()
					n, err := m.RefreshTools(ctx, name)
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						p.event(watchEvent{Time: time.Now(), Server: name, Event: "refresh failed", Detail: err.Error()})
						continue
					}
					p.event(watchEvent{Time: time.Now(), Server: name, Event: "tools refreshed", Detail: fmt.Sprintf("%d tools", n)})
				}
			}
		})
	}
	return g.Wait()
}
