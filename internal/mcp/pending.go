package mcp

import (
	"sync"
)

// callResult is delivered exactly once to the caller waiting on an id.
type callResult struct {
	resp *Response
	err  error
}

// pendingTable correlates outstanding request ids with the callers
// waiting for them. The reader loop completes entries; callers remove
// their own entry when they give up waiting.
type pendingTable struct {
	mu      sync.Mutex
	lastID  uint64
	calls   map[uint64]chan callResult
	closed  bool
	failErr error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]chan callResult)}
}

// allocate returns the next request id. Ids start at 1 and are never
// reused for the lifetime of the table.
func (p *pendingTable) allocate() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID++
	return p.lastID
}

// register creates the completion slot for id. It fails once the table
// has been closed by failAll.
func (p *pendingTable) register(id uint64) (<-chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, p.failErr
	}
	ch := make(chan callResult, 1)
	p.calls[id] = ch
	return ch, nil
}

// complete delivers resp to the caller waiting on resp.ID. Responses
// with no matching entry (late, duplicate, or unknown ids) are dropped
// and complete reports false.
func (p *pendingTable) complete(resp *Response) bool {
	p.mu.Lock()
	ch, ok := p.calls[resp.ID]
	if ok {
		delete(p.calls, resp.ID)
	}
	p.mu.Unlock()
	if ok {
		ch <- callResult{resp: resp}
	}
	return ok
}

// remove abandons the entry for id, if it still exists.
func (p *pendingTable) remove(id uint64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// failAll closes the table and fails every outstanding entry with err.
// Later calls are no-ops. It returns the number of entries failed.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	p.closed = true
	p.failErr = err
	n := len(p.calls)
	for id, ch := range p.calls {
		delete(p.calls, id)
		ch <- callResult{err: err}
	}
	return n
}

// len reports the number of outstanding entries.
func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
