package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the MCP resource-not-found code.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeResourceNotFound = -32002
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id uint64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// serverResponse is a reply we send to a server-initiated request. The id
// is echoed back verbatim since servers may use string ids.
type serverResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// inboundKind classifies a line read from the server.
type inboundKind int

const (
	kindResponse inboundKind = iota
	kindNotification
	kindRequest
)

func (k inboundKind) String() string {
	switch k {
	case kindResponse:
		return "response"
	case kindNotification:
		return "notification"
	case kindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// wireMessage is the union of every field a server may put on the wire.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// inbound is a parsed server message. Exactly one of the payload fields
// is populated, selected by kind.
type inbound struct {
	kind inboundKind

	// kindResponse. hasID is false when the id is missing, null, or not
	// an unsigned integer; such responses cannot match a pending call.
	response *Response
	hasID    bool

	// kindNotification and kindRequest.
	method string
	params json.RawMessage

	// kindRequest only.
	requestID json.RawMessage
}

// parseInbound decodes a single wire line and classifies it. A message
// with a method and no non-null id is a notification; a message with a
// method and an id is a server request; anything else is a response.
func parseInbound(line []byte) (inbound, error) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return inbound{}, err
	}

	hasID := len(msg.ID) > 0 && !bytes.Equal(msg.ID, []byte("null"))

	switch {
	case msg.Method != "" && !hasID:
		return inbound{kind: kindNotification, method: msg.Method, params: msg.Params}, nil
	case msg.Method != "":
		return inbound{kind: kindRequest, method: msg.Method, params: msg.Params, requestID: msg.ID}, nil
	}

	resp := &Response{
		JSONRPC: msg.JSONRPC,
		Result:  msg.Result,
		Error:   msg.Error,
	}
	in := inbound{kind: kindResponse, response: resp}
	if hasID {
		if id, err := strconv.ParseUint(string(msg.ID), 10, 64); err == nil {
			resp.ID = id
			in.hasID = true
		}
	}
	return in, nil
}
