// mcpctl connects to the MCP servers named in its configuration and lets
// you inspect and exercise them from the command line.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcpctl servers                         List connected servers
//	mcpctl tools [server...]               List discovered tools
//	mcpctl call <server> <tool> [json]     Call a tool
//	mcpctl resources <server>              List a server's resources
//	mcpctl read <server> <uri>             Read a resource
//	mcpctl ping [server...]                Ping servers
//	mcpctl watch [server...]               Stay connected and report changes
//	mcpctl init [dir]                      Write an example config
//	mcpctl version                         Print version and build information
//	mcpctl -o json tools                   Output as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gtwatts/wezterm-sub001/internal/buildinfo"
	"github.com/gtwatts/wezterm-sub001/internal/config"
	"github.com/gtwatts/wezterm-sub001/internal/mcp"
)

// main only binds process state to [run]; tests call run directly.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "mcpctl:", err)
		cancel()
		os.Exit(1)
	}
}

// run executes one mcpctl invocation. args excludes the program name.
// Command output goes to stdout and logs to stderr. Cancelling ctx stops
// in-flight requests and shuts every started server down.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var (
		configPath string
		outputFmt  = "text"
		command    string
		cmdArgs    []string
	)

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch outputFmt {
	case "text", "json":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}
	out := newPrinter(stdout, outputFmt)

	switch command {
	case "version":
		return runVersion(stdout, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "", "help":
		return printUsage(stdout)
	}

	cmd, ok := commands[command]
	if !ok {
		return fmt.Errorf("unknown command: %s", command)
	}
	if len(cmdArgs) < cmd.minArgs {
		return fmt.Errorf("usage: mcpctl %s %s", command, cmd.usage)
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath, "version", buildinfo.ClientVersion())

	servers, err := selectServers(cfg, cmd.servers(cmdArgs), logger)
	if err != nil {
		return err
	}

	opts := clientOptions(cfg, logger)
	if cmd.onNotification != nil {
		opts.OnNotification = cmd.onNotification(out)
	}

	m := mcp.NewManager(opts, cfg.MCP.MaxConcurrentConnects)
	m.ConnectAll(ctx, servers)
	defer m.ShutdownAll()

	if m.ServerCount() == 0 && len(servers) > 0 {
		return fmt.Errorf("no MCP servers could be started (%d configured)", len(servers))
	}

	return cmd.run(ctx, m, out, cmdArgs)
}

// runVersion prints build metadata as one line of text or as JSON.
func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Read()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	_, err := fmt.Fprintln(w, b.String())
	return err
}

// printUsage writes the help text.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcpctl - MCP server client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcpctl [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  servers                      List connected servers")
	fmt.Fprintln(w, "  tools [server...]            List discovered tools")
	fmt.Fprintln(w, "  call <server> <tool> [json]  Call a tool with JSON object arguments")
	fmt.Fprintln(w, "  resources <server>           List a server's resources")
	fmt.Fprintln(w, "  read <server> <uri>          Read a resource")
	fmt.Fprintln(w, "  ping [server...]             Ping servers")
	fmt.Fprintln(w, "  watch [server...]            Stay connected and report notifications")
	fmt.Fprintln(w, "  init [dir]                   Write an example mcp.yaml (default: .)")
	fmt.Fprintln(w, "  version                      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcp.yaml, ~/.config/mcpctl/config.yaml, /etc/mcpctl/config.yaml")
	return nil
}

// loadConfig loads the file named by -config, or the first file found on
// the search path, and reports which path it used.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// clientOptions maps configuration onto per-connection client options.
func clientOptions(cfg *config.Config, logger *slog.Logger) mcp.Options {
	return mcp.Options{
		ClientName:      cfg.MCP.ClientName,
		ClientVersion:   buildinfo.ClientVersion(),
		InitTimeout:     cfg.MCP.InitTimeout,
		RequestTimeout:  cfg.MCP.RequestTimeout,
		ShutdownTimeout: cfg.MCP.ShutdownTimeout,
		Logger:          logger,
	}
}

// selectServers returns the enabled servers to start. If names is
// non-empty only those servers are started, and each must exist.
func selectServers(cfg *config.Config, names []string, logger *slog.Logger) (map[string]mcp.ServerConfig, error) {
	for _, name := range names {
		if _, ok := cfg.MCP.Servers[name]; !ok {
			return nil, fmt.Errorf("unknown MCP server %q (configured: %s)", name, strings.Join(cfg.ServerNames(), ", "))
		}
	}
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}

	out := make(map[string]mcp.ServerConfig)
	for _, name := range cfg.ServerNames() {
		s := cfg.MCP.Servers[name]
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		if s.Disabled {
			if wanted[name] {
				return nil, fmt.Errorf("MCP server %q is disabled", name)
			}
			logger.Debug("MCP server disabled, skipping", "mcp_server", name)
			continue
		}
		out[name] = mcp.ServerConfig{
			Command:      s.Command,
			Args:         s.Args,
			Env:          s.EnvList(),
			Dir:          s.Dir,
			Transport:    s.Transport,
			IncludeTools: s.IncludeTools,
			ExcludeTools: s.ExcludeTools,
		}
	}
	return out, nil
}
