package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pipeTransport is an in-memory Transport. Lines the client writes land
// on the written channel; the test plays the server by reading them with
// next and answering with send.
type pipeTransport struct {
	r *io.PipeReader
	w *io.PipeWriter

	wmu         sync.Mutex
	written     chan []byte
	writeClosed bool
	failWrites  atomic.Bool

	// holdReplies, if set before traffic starts, blocks writes of
	// responses (lines without a method) until it is closed.
	holdReplies chan struct{}

	// onClose, if set, runs in Close after stdin is closed and before
	// stdout is, like a server flushing its last output as it exits.
	onClose func()

	closeOnce  sync.Once
	closeCalls atomic.Int32
	closed     chan struct{}

	mu            sync.Mutex
	requests      []wireMessage
	notifications []string
	replies       []wireMessage
}

func newPipeTransport() *pipeTransport {
	r, w := io.Pipe()
	return &pipeTransport{
		r:       r,
		w:       w,
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (p *pipeTransport) Reader() io.Reader { return p.r }

func (p *pipeTransport) WriteLine(line []byte) error {
	if p.failWrites.Load() {
		return errors.New("broken pipe")
	}
	if p.holdReplies != nil && !bytes.Contains(line, []byte(`"method"`)) {
		<-p.holdReplies
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.writeClosed {
		return io.ErrClosedPipe
	}
	select {
	case p.written <- append([]byte(nil), line...):
		return nil
	default:
		return errors.New("pipeTransport: write buffer full")
	}
}

func (p *pipeTransport) CloseWrite() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if !p.writeClosed {
		p.writeClosed = true
		close(p.written)
	}
	return nil
}

func (p *pipeTransport) Close(time.Duration) error {
	p.closeCalls.Add(1)
	_ = p.CloseWrite()
	p.closeOnce.Do(func() {
		if p.onClose != nil {
			p.onClose()
		}
		p.w.Close()
		close(p.closed)
	})
	return nil
}

// hangup simulates the server closing its stdout.
func (p *pipeTransport) hangup() {
	p.w.Close()
}

func (p *pipeTransport) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// recv returns the next message the client wrote.
func (p *pipeTransport) recv(timeout time.Duration) (wireMessage, error) {
	select {
	case line, ok := <-p.written:
		if !ok {
			return wireMessage{}, io.EOF
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return wireMessage{}, err
		}
		return msg, nil
	case <-time.After(timeout):
		return wireMessage{}, errors.New("timed out waiting for client message")
	}
}

func (p *pipeTransport) next(t *testing.T) wireMessage {
	t.Helper()
	msg, err := p.recv(5 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return msg
}

func (p *pipeTransport) sendRaw(line string) error {
	_, err := p.w.Write([]byte(line + "\n"))
	return err
}

func (p *pipeTransport) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.sendRaw(string(data))
}

func (p *pipeTransport) reply(id json.RawMessage, result any) error {
	return p.send(serverResponse{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

// handshake plays the server side of initialize with the given protocol
// version.
func (p *pipeTransport) handshake(version string) error {
	msg, err := p.recv(5 * time.Second)
	if err != nil {
		return err
	}
	if msg.Method != methodInitialize {
		return errors.New("first message is " + msg.Method + ", want initialize")
	}
	s := newFakeServer()
	s.version = version
	result, _ := s.handle(methodInitialize, msg.Params)
	if err := p.reply(msg.ID, result); err != nil {
		return err
	}
	msg, err = p.recv(5 * time.Second)
	if err != nil {
		return err
	}
	if msg.Method != notifyInitialized {
		return errors.New("second message is " + msg.Method + ", want " + notifyInitialized)
	}
	return nil
}

type handlerFunc func(method string, params json.RawMessage) (any, *RPCError)

// serve answers every request the client writes until the transport is
// closed, recording what it saw.
func (p *pipeTransport) serve(h handlerFunc) {
	go func() {
		for line := range p.written {
			var msg wireMessage
			if err := json.Unmarshal(line, &msg); err != nil {
				continue
			}

			p.mu.Lock()
			switch {
			case msg.Method == "":
				p.replies = append(p.replies, msg)
			case len(msg.ID) == 0:
				p.notifications = append(p.notifications, msg.Method)
			default:
				p.requests = append(p.requests, msg)
			}
			p.mu.Unlock()

			if msg.Method == "" || len(msg.ID) == 0 {
				continue
			}
			result, rpcErr := h(msg.Method, msg.Params)
			resp := serverResponse{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: result, Error: rpcErr}
			if err := p.send(resp); err != nil {
				return
			}
		}
	}()
}

func (p *pipeTransport) seenRequests() []wireMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]wireMessage(nil), p.requests...)
}

func (p *pipeTransport) seenNotifications() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.notifications...)
}

// connectServed connects a client to an in-memory fakeServer.
func connectServed(t *testing.T, s *fakeServer, opts Options) (*Client, *pipeTransport) {
	t.Helper()
	tr := newPipeTransport()
	tr.serve(s.handle)
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	c, err := ConnectTransport(t.Context(), "test", tr, opts)
	if err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c, tr
}

// connectManual connects a client whose server side is driven by the
// test through next and send.
func connectManual(t *testing.T, opts Options) (*Client, *pipeTransport) {
	t.Helper()
	tr := newPipeTransport()
	errc := make(chan error, 1)
	go func() { errc <- tr.handshake(ProtocolVersion) }()

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	c, err := ConnectTransport(t.Context(), "test", tr, opts)
	if err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c, tr
}

// fakeServer implements a small MCP server: an echo tool, a failing
// tool, and a couple of text resources.
type fakeServer struct {
	info      Implementation
	version   string
	tools     []ToolDefinition
	pageSize  int
	resources []ResourceDefinition
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		info:    Implementation{Name: "mock-server", Version: "1.0.0"},
		version: ProtocolVersion,
		tools: []ToolDefinition{
			{
				Name:        "echo",
				Description: "Echo the input text",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
					},
				},
			},
			{
				Name:        "fail",
				Description: "Always reports a tool error",
				InputSchema: map[string]any{"type": "object"},
			},
		},
		resources: []ResourceDefinition{
			{URI: "file:///notes.txt", Name: "notes", MimeType: "text/plain"},
			{URI: "file:///todo.txt", Name: "todo", MimeType: "text/plain"},
		},
	}
}

func (s *fakeServer) handle(method string, params json.RawMessage) (any, *RPCError) {
	switch method {
	case methodInitialize:
		return InitializeResult{
			ProtocolVersion: s.version,
			Capabilities: ServerCapabilities{
				Tools:     &ToolsCapability{ListChanged: true},
				Resources: &ResourcesCapability{},
			},
			ServerInfo: s.info,
		}, nil

	case methodPing:
		return struct{}{}, nil

	case methodToolsList:
		var p struct {
			Cursor string `json:"cursor"`
		}
		_ = json.Unmarshal(params, &p)
		return s.toolsPage(p.Cursor), nil

	case methodToolsCall:
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		switch p.Name {
		case "echo":
			text, _ := p.Arguments["text"].(string)
			return CallToolResult{Content: []ContentBlock{{Type: "text", Text: "echo: " + text}}}, nil
		case "fail":
			return CallToolResult{Content: []ContentBlock{{Type: "text", Text: "boom"}}, IsError: true}, nil
		default:
			return nil, &RPCError{Code: CodeInvalidParams, Message: "unknown tool: " + p.Name}
		}

	case methodResourcesList:
		return ListResourcesResult{Resources: s.resources}, nil

	case methodResourcesRead:
		var p struct {
			URI string `json:"uri"`
		}
		_ = json.Unmarshal(params, &p)
		for _, r := range s.resources {
			if r.URI == p.URI {
				return ReadResourceResult{Contents: []ResourceContents{
					{URI: r.URI, MimeType: r.MimeType, Text: "contents of " + r.Name},
				}}, nil
			}
		}
		return nil, &RPCError{Code: CodeResourceNotFound, Message: "resource not found: " + p.URI}

	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + method}
	}
}

// toolsPage serves tools/list, paginated when pageSize is set. Cursors
// are the decimal offset of the next page.
func (s *fakeServer) toolsPage(cursor string) ListToolsResult {
	if s.pageSize <= 0 {
		return ListToolsResult{Tools: s.tools}
	}
	start, _ := strconv.Atoi(cursor)
	end := min(start+s.pageSize, len(s.tools))
	res := ListToolsResult{Tools: s.tools[start:end]}
	if end < len(s.tools) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res
}
