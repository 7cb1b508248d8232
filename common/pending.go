package common

import (
	"sync"
	"time"

	"github.com/mailru/easyjson"
)

// callResult is the single-assignment outcome of a pending call.
type callResult struct {
	result easyjson.RawMessage
	err    error
}

// pendingCall correlates a sent command to its eventual response. It lives
// in the pending table from the moment the command is handed to the send
// loop until it is resolved (response, timeout or connection loss).
type pendingCall struct {
	id        int64
	method    string
	createdAt time.Time

	// resultCh has capacity 1 so resolving never blocks the read loop.
	resultCh chan callResult
}

func newPendingCall(id int64, method string) *pendingCall {
	return &pendingCall{
		id:        id,
		method:    method,
		createdAt: time.Now(),
		resultCh:  make(chan callResult, 1),
	}
}

// pendingTable maps correlation ids to their in-flight calls. It is mutated
// from caller goroutines (add, remove) and from the read loop (resolve), so
// every access happens under the mutex. Removal-on-resolution keeps the
// invariant that a call is in the table iff it was sent and is unresolved.
type pendingTable struct {
	mu       sync.Mutex
	calls    map[int64]*pendingCall
	closed   bool
	closeErr error
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// add registers a new pending call, or fails if the connection is already
// closed so callers never hang on a dead socket.
func (t *pendingTable) add(id int64, method string) (*pendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, t.closeErr
	}
	call := newPendingCall(id, method)
	t.calls[id] = call
	return call, nil
}

// resolve completes the call with the given outcome and removes it from the
// table. It reports false when no call with that id is outstanding, which
// happens for late responses after a local timeout and for ids this
// connection never issued.
func (t *pendingTable) resolve(id int64, res callResult) bool {
	t.mu.Lock()
	call, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	call.resultCh <- res
	return true
}

// remove forgets the call without resolving it. Used on local timeouts; a
// late response will then be treated as unknown-id and dropped.
func (t *pendingTable) remove(id int64) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	call, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return call
}

// closeAll resolves every outstanding call with err and rejects all future
// adds with the same error. Connection loss is the only error class that
// fans out to every caller.
func (t *pendingTable) closeAll(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	calls := make([]*pendingCall, 0, len(t.calls))
	for id, call := range t.calls {
		calls = append(calls, call)
		delete(t.calls, id)
	}
	t.mu.Unlock()

	for _, call := range calls {
		call.resultCh <- callResult{err: err}
	}
}

// size returns the number of outstanding calls.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
