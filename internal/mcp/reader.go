package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
)

// maxLoggedLine caps how much of an unparseable line goes into the log.
const maxLoggedLine = 512

// readLoop consumes server output for the lifetime of the connection.
// It exits on EOF or a read error, after disconnecting the client.
func (c *Client) readLoop() {
	defer close(c.readerDone)

	r, ok := c.transport.Reader().(*bufio.Reader)
	if !ok {
		r = bufio.NewReaderSize(c.transport.Reader(), 64*1024)
	}

	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.handleLine(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				c.logger.Info("MCP server closed its output (EOF)")
				c.disconnect(io.EOF)
			} else {
				c.logger.Warn("MCP server read error", "error", err)
				c.disconnect(err)
			}
			return
		}
	}
}

// handleLine parses one wire line and routes it. Malformed lines are
// logged and skipped.
func (c *Client) handleLine(line []byte) {
	c.logger.Log(context.Background(), LevelTrace, "MCP recv", "line", string(line))

	msg, err := parseInbound(line)
	if err != nil {
		c.logger.Warn("failed to parse MCP message",
			"error", err,
			"line", truncate(string(line), maxLoggedLine),
		)
		return
	}

	switch msg.kind {
	case kindResponse:
		c.handleResponse(msg)
	case kindNotification:
		c.handleNotification(msg.method, msg.params)
	case kindRequest:
		c.handleServerRequest(msg.requestID, msg.method)
	}
}

func (c *Client) handleResponse(msg inbound) {
	if !msg.hasID {
		if msg.response.Error != nil {
			c.logger.Warn("MCP server reported an error without a request id", "error", msg.response.Error)
		} else {
			c.logger.Debug("dropping MCP response without a usable id")
		}
		return
	}
	if !c.pending.complete(msg.response) {
		c.logger.Debug("dropping MCP response for unknown request", "id", msg.response.ID)
	}
}

// handleNotification dispatches a server-initiated notification.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case notifyToolsListChanged:
		c.logger.Info("MCP server tools list changed")
		c.toolsChanged.notify()
	case notifyResourcesListChanged:
		c.logger.Info("MCP server resources list changed")
		c.resourcesChanged.notify()
	case notifyMessage:
		c.logServerMessage(params)
	default:
		c.logger.Debug("unhandled MCP notification", "method", method)
	}

	if c.opts.OnNotification != nil {
		c.opts.OnNotification(c.name, method, params)
	}
}

// handleServerRequest answers requests the server sends to us. Only ping
// is supported; everything else is refused with method-not-found. The
// reply is queued for replyLoop so a server that is not reading its
// stdin cannot stall the reader.
func (c *Client) handleServerRequest(id json.RawMessage, method string) {
	resp := serverResponse{JSONRPC: jsonrpcVersion, ID: id}
	switch method {
	case methodPing:
		resp.Result = struct{}{}
	default:
		c.logger.Debug("refusing MCP server request", "method", method)
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("failed to marshal reply to MCP server request", "method", method, "error", err)
		return
	}
	select {
	case c.replies <- data:
	default:
		c.logger.Warn("dropping reply to MCP server request, reply queue full", "method", method)
	}
}

// replyLoop writes queued replies to server requests until the client
// disconnects.
func (c *Client) replyLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.replies:
			if err := c.transport.WriteLine(data); err != nil {
				c.logger.Debug("failed to reply to MCP server request", "error", err)
			}
		}
	}
}

// logServerMessage routes notifications/message into our own log at the
// matching level.
func (c *Client) logServerMessage(params json.RawMessage) {
	var msg LoggingMessageParams
	if err := json.Unmarshal(params, &msg); err != nil {
		c.logger.Debug("malformed MCP log message", "error", err)
		return
	}

	attrs := []any{"level_name", msg.Level, "data", messageData(msg.Data)}
	if msg.Logger != "" {
		attrs = append(attrs, "server_logger", msg.Logger)
	}
	c.logger.Log(context.Background(), serverLogLevel(msg.Level), "MCP server log", attrs...)
}

// serverLogLevel maps MCP (syslog-style) severities onto slog levels.
func serverLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warning":
		return slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// messageData renders a log payload: JSON strings unquoted, anything
// else as raw JSON.
func messageData(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
