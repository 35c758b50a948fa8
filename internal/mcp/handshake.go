package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// initialize performs the MCP handshake: sends an initialize request and
// then the notifications/initialized notification. It records the
// server's info and capabilities before the client is handed out.
func (c *Client) initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo: Implementation{
			Name:    c.opts.ClientName,
			Version: c.opts.ClientVersion,
		},
	}

	raw, err := c.call(ctx, methodInitialize, params, c.opts.InitTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if len(raw) == 0 {
		return fmt.Errorf("initialize: %w: empty result", ErrSerialization)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("initialize: %w: %w", ErrSerialization, err)
	}

	// Servers may answer with a version of their choosing. We log the
	// difference and carry on.
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("MCP server uses a different protocol version",
			"error", fmt.Errorf("%w: server %q, client %q", ErrProtocolMismatch, result.ProtocolVersion, ProtocolVersion),
		)
	}

	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.notify(ctx, notifyInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}
