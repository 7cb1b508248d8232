package common

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/godoll/godoll/log"
)

// Ensure Target implements the Executor interface.
var _ cdp.Executor = &Target{}

// Target is the single logical handle for one remote target (a tab, page or
// worker). Exactly one live Target exists per target id; the registry
// guarantees identity stability across repeated lookups. Once the remote
// side detaches, the Target is marked closed and every further operation
// fails fast with ErrTargetClosed.
type Target struct {
	conn      *Connection
	id        target.ID
	sessionID target.SessionID
	createdAt time.Time
	logger    *log.Logger

	mu             sync.Mutex
	enabledDomains map[string]struct{}
	closed         bool
}

func newTarget(conn *Connection, id target.ID, sessionID target.SessionID) *Target {
	t := &Target{
		conn:           conn,
		id:             id,
		sessionID:      sessionID,
		createdAt:      time.Now(),
		logger:         conn.logger,
		enabledDomains: make(map[string]struct{}),
	}
	t.logger.Debugf("Target:new", "tid:%v sid:%v", id, sessionID)
	return t
}

// ID returns the remote target id.
func (t *Target) ID() target.ID { return t.id }

// SessionID returns the protocol session this target is attached through.
func (t *Target) SessionID() target.SessionID { return t.sessionID }

// CreatedAt returns the local time the target handle was constructed.
func (t *Target) CreatedAt() time.Time { return t.createdAt }

// Closed reports whether the target has been detached and evicted.
func (t *Target) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Target) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// Execute implements the cdp.Executor interface, stamping commands with the
// target's session id so the shared connection routes them correctly.
func (t *Target) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if t.Closed() {
		return fmt.Errorf("%s on target %q: %w", method, t.id, ErrTargetClosed)
	}
	return t.conn.execute(ctx, method, t.sessionID, params, res)
}

// ExecuteWithoutExpectationOnReply sends a command on the target's session
// without waiting for the browser's response.
func (t *Target) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler,
) error {
	if t.Closed() {
		return fmt.Errorf("%s on target %q: %w", method, t.id, ErrTargetClosed)
	}
	return t.conn.executeWithoutReply(ctx, method, t.sessionID, params)
}

// Subscribe registers handler for events of the given method emitted by this
// target's session. An empty method matches every event from the session.
func (t *Target) Subscribe(method string, handler EventHandler) (*Subscription, error) {
	if t.Closed() {
		return nil, fmt.Errorf("subscribing to %q on target %q: %w", method, t.id, ErrTargetClosed)
	}
	return t.conn.router.subscribe(method, t.sessionID, handler)
}

// Unsubscribe cancels a subscription created through this target.
func (t *Target) Unsubscribe(sub *Subscription) {
	t.conn.router.unsubscribe(sub)
}

// EnableDomain enables a protocol domain for this target, once. Repeated
// calls for the same domain are no-ops; the browser treats enables as
// idempotent but skipping the round trip is cheaper.
func (t *Target) EnableDomain(ctx context.Context, domain string) error {
	domain = strings.TrimSuffix(domain, ".enable")
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("enabling %q on target %q: %w", domain, t.id, ErrTargetClosed)
	}
	if _, ok := t.enabledDomains[domain]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.conn.execute(ctx, domain+".enable", t.sessionID, nil, nil); err != nil {
		return err
	}

	t.mu.Lock()
	t.enabledDomains[domain] = struct{}{}
	t.mu.Unlock()
	return nil
}

// EnabledDomains returns a snapshot of the domains enabled so far.
func (t *Target) EnabledDomains() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	domains := make([]string, 0, len(t.enabledDomains))
	for d := range t.enabledDomains {
		domains = append(domains, d)
	}
	return domains
}

// Detach asks the browser to detach the session and evicts the target. The
// registry eviction also happens when the browser reports the detachment
// first; whichever comes first wins.
func (t *Target) Detach(ctx context.Context) error {
	if t.Closed() {
		return fmt.Errorf("detaching target %q: %w", t.id, ErrTargetClosed)
	}
	action := target.DetachFromTarget().WithSessionID(t.sessionID)
	if err := action.Do(cdp.WithExecutor(ctx, t.conn)); err != nil {
		return fmt.Errorf("detaching target %q: %w", t.id, err)
	}
	t.conn.registry.detach(t.sessionID)
	return nil
}
