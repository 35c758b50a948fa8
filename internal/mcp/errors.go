package mcp

import "errors"

// Errors returned by the client. Callers match them with [errors.Is];
// server-reported failures are returned as [*RPCError] and matched with
// [errors.As].
var (
	// ErrSpawnFailed means the server process could not be started.
	ErrSpawnFailed = errors.New("mcp: failed to spawn server")

	// ErrSerialization means a message could not be encoded or a result
	// could not be decoded into its typed form.
	ErrSerialization = errors.New("mcp: serialization error")

	// ErrIO means reading from or writing to the server pipes failed.
	ErrIO = errors.New("mcp: i/o error")

	// ErrTimeout means the server did not answer within the allotted window.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrDisconnected means the connection is no longer usable.
	ErrDisconnected = errors.New("mcp: server disconnected")

	// ErrProtocolMismatch means the server negotiated a different protocol
	// version. It is logged, never returned from Connect.
	ErrProtocolMismatch = errors.New("mcp: protocol version mismatch")
)
