package common

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TargetRegistry keeps at most one live Target per remote target id for the
// lifetime of a connection. It is fed automatically from
// Target.attachedToTarget / detachedFromTarget events and can be used
// directly by callers that attach explicitly.
type TargetRegistry struct {
	conn *Connection

	mu       sync.Mutex
	targets  map[target.ID]*Target
	sessions map[target.SessionID]target.ID
}

// NewTargetRegistry creates an empty registry bound to conn.
func NewTargetRegistry(conn *Connection) *TargetRegistry {
	return &TargetRegistry{
		conn:     conn,
		targets:  make(map[target.ID]*Target),
		sessions: make(map[target.SessionID]target.ID),
	}
}

// Acquire returns the live Target for tid, constructing and registering it
// exactly once. Concurrent first-time acquisition of the same id yields the
// same instance for every caller; construction happens under the lock so a
// race can never produce a duplicate. After an eviction the same remote id
// acquires a fresh Target: the browser may reuse ids for unrelated targets.
func (r *TargetRegistry) Acquire(tid target.ID, sid target.SessionID) *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.targets[tid]; ok {
		return t
	}
	t := newTarget(r.conn, tid, sid)
	r.targets[tid] = t
	if sid != "" {
		r.sessions[sid] = tid
	}
	return t
}

// Get returns the live Target for tid, if any.
func (r *TargetRegistry) Get(tid target.ID) (*Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[tid]
	return t, ok
}

// Evict marks the Target closed and removes it from the registry. Pending
// method calls on the evicted handle fail with ErrTargetClosed.
func (r *TargetRegistry) Evict(tid target.ID) {
	r.mu.Lock()
	t, ok := r.targets[tid]
	if ok {
		delete(r.targets, tid)
		delete(r.sessions, t.sessionID)
	}
	r.mu.Unlock()
	if ok {
		t.markClosed()
		t.logger.Debugf("TargetRegistry:evict", "tid:%v sid:%v", t.id, t.sessionID)
	}
}

// List returns a snapshot of the currently live targets. Targets may close
// between enumeration and use; callers must tolerate staleness.
func (r *TargetRegistry) List() []*Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		targets = append(targets, t)
	}
	return targets
}

// attach registers the target reported by a Target.attachedToTarget event.
func (r *TargetRegistry) attach(tid target.ID, sid target.SessionID) *Target {
	return r.Acquire(tid, sid)
}

// detach evicts by session id, as reported by Target.detachedFromTarget.
func (r *TargetRegistry) detach(sid target.SessionID) {
	r.mu.Lock()
	tid, ok := r.sessions[sid]
	r.mu.Unlock()
	if ok {
		r.Evict(tid)
	}
}

// evictAll closes every live target; used on connection shutdown.
func (r *TargetRegistry) evictAll() {
	r.mu.Lock()
	targets := make([]*Target, 0, len(r.targets))
	for tid, t := range r.targets {
		targets = append(targets, t)
		delete(r.targets, tid)
	}
	for sid := range r.sessions {
		delete(r.sessions, sid)
	}
	r.mu.Unlock()
	for _, t := range targets {
		t.markClosed()
	}
}
