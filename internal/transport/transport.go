// Package transport implements the Transport Client: one instance per
// running provider, multiplexing concurrent JSON-RPC 2.0 calls over a
// single underlying channel (child-process stdio or an HTTP connection)
// with per-request timeouts and id-based response correlation.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentoven/mcp-hangar/pkg/hangar"
)

// Client is the contract every transport implementation satisfies. Multiple
// concurrent Call invocations on the same Client are expected.
type Client interface {
	// Call issues a JSON-RPC request and blocks until the matching response
	// arrives, the timeout elapses, or ctx is cancelled.
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	// Alive reports whether the underlying channel is still usable.
	Alive() bool
	// Close releases the underlying channel and refuses further calls.
	// The stdio client also stops its reader and fails every pending call
	// with a transport error; the HTTP client leaves requests already in
	// flight to finish.
	Close() error
}

// request and response mirror JSON-RPC 2.0 framing.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// pendingTable is the shared rendezvous table between callers and the
// single reader task. It is guarded by a mutex held only across table
// operations, never across I/O, per the lock hierarchy.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[uint64]chan response
	closed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[uint64]chan response)}
}

func (t *pendingTable) register(id uint64) (chan response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	ch := make(chan response, 1)
	t.waiters[id] = ch
	return ch, nil
}

// release removes id's waiter without delivering anything to it (used on
// timeout/cancellation, so a later orphan response is discarded).
func (t *pendingTable) release(id uint64) {
	t.mu.Lock()
	delete(t.waiters, id)
	t.mu.Unlock()
}

// deliver dispatches a response to its waiter, if one is still registered.
// Returns false if the id is unknown (already timed out, or an orphan).
func (t *pendingTable) deliver(resp response) bool {
	t.mu.Lock()
	ch, ok := t.waiters[resp.ID]
	if ok {
		delete(t.waiters, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// drain fails every still-pending waiter with a synthetic transport error
// and marks the table closed so no further registrations succeed.
func (t *pendingTable) drain(message string) {
	t.mu.Lock()
	t.closed = true
	waiters := t.waiters
	t.waiters = make(map[uint64]chan response)
	t.mu.Unlock()
	for _, ch := range waiters {
		ch <- response{Error: &rpcError{Code: -1, Message: message}}
	}
}

var errClosed = errors.New("transport: closed")

// idAllocator issues monotonically increasing request ids. Ids of
// timed-out calls are not reused before Close, since the allocator never
// wraps back to a previously issued value within a process lifetime.
type idAllocator struct {
	next atomic.Uint64
}

func (a *idAllocator) next1() uint64 {
	return a.next.Add(1)
}

func classify(err error) hangar.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return hangar.ErrTimeout
	case errors.Is(err, context.Canceled):
		return hangar.ErrCancelled
	default:
		return hangar.ErrTransport
	}
}
