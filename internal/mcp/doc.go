// Package mcp implements the client side of MCP (Model Context Protocol)
// over a subprocess stdio transport.
//
// MCP speaks JSON-RPC 2.0 with one message per line. A [Client] spawns a
// server, performs the initialize handshake, and then multiplexes any
// number of concurrent requests over the single pipe: each request gets
// a fresh id and a one-shot completion slot, and a single reader
// goroutine routes responses back by id. Server notifications are
// handled on the same goroutine.
//
// A [Manager] brings up every configured server concurrently, discovers
// their tools into one namespaced catalog, and shuts them all down
// together. A server that fails to start is logged and skipped.
//
// This package does not act as an MCP server.
package mcp
