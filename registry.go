package clangdconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// rpcError mirrors the JSON-RPC error object.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// pending is a single in-flight response slot. It is settled exactly
// once, by deliver, abortAll, or (after a timeout observed by await)
// by SendRequest dropping the slot.
type pending struct {
	done    chan struct{}
	once    sync.Once
	message json.RawMessage // nil means aborted
	rpcErr  *rpcError
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func (p *pending) settle(message json.RawMessage, rpcErr *rpcError) {
	p.once.Do(func() {
		p.message = message
		p.rpcErr = rpcErr
		close(p.done)
	})
}

// responseRegistry correlates request ids with pending response slots.
// register/deliver/abortAll are guarded by mu and allocID is a lock-free
// atomic add; await itself takes no lock while blocking, so it never
// contends with the writer.
type responseRegistry struct {
	mu      sync.Mutex
	lastID  atomic.Uint64
	pending map[uint64]*pending
}

func newResponseRegistry() *responseRegistry {
	return &responseRegistry{pending: make(map[uint64]*pending)}
}

// allocID returns a fresh, never-reused request id for this connection.
func (r *responseRegistry) allocID() uint64 {
	return r.lastID.Add(1)
}

// register inserts a pending slot for id. It panics if id is already
// registered — that is a caller-contract violation, not a runtime
// condition this library recovers from.
func (r *responseRegistry) register(id uint64) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		panic(fmt.Sprintf("clangdconn: %v: id %d", errAlreadyRegistered, id))
	}
	p := newPending()
	r.pending[id] = p
	return p
}

// deliver settles the slot for id with message and the parsed error
// object, if any. It returns errUnexpectedResponse if id has no
// registered slot — the caller logs and drops, per the propagation
// policy; it never aborts the connection.
func (r *responseRegistry) deliver(id uint64, message json.RawMessage, rpcErr *rpcError) error {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", errUnexpectedResponse, id)
	}
	p.settle(message, rpcErr)
	return nil
}

// abortAll settles every outstanding slot with a nil message, waking
// every awaiter with ResponseAborted.
func (r *responseRegistry) abortAll() {
	r.mu.Lock()
	slots := make([]*pending, 0, len(r.pending))
	for id, p := range r.pending {
		slots = append(slots, p)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, p := range slots {
		p.settle(nil, nil)
	}
}

// await blocks until p settles or ctx is done, translating the result
// per spec.md §4.B: timeout surfaces ErrResponseTimeout, a nil message
// surfaces ErrResponseAborted, an error object surfaces
// ErrResponseFailed, otherwise the raw message is returned.
func await(ctx context.Context, p *pending) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, newClientError(ErrResponseTimeout, "response timed out", ctx.Err())
	case <-p.done:
	}

	if p.rpcErr != nil {
		ce := newClientError(ErrResponseFailed, p.rpcErr.Message, nil)
		ce.Code = p.rpcErr.Code
		return nil, ce
	}
	if p.message == nil {
		return nil, newClientError(ErrResponseAborted, "connection lost before response", nil)
	}
	return p.message, nil
}
