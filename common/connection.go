package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/godoll/godoll/log"
)

// Ensure Connection implements the Executor interface.
var _ cdp.Executor = &Connection{}

// Action is the general interface of a CDP action.
type Action interface {
	Do(context.Context) error
}

// ActionFunc is an adapter to allow regular functions to be used as an Action.
type ActionFunc func(context.Context) error

// Do executes the func f using the provided context.
func (f ActionFunc) Do(ctx context.Context) error {
	return f(ctx)
}

// Connection states.
const (
	connStateConnecting int32 = iota
	connStateOpen
	connStateClosed
)

/*
Connection owns one WebSocket to the browser and is the root "browser
session". A recv loop reads frames off the wire, decodes them and routes
them: responses resolve the matching pending call, events are fanned out
through the event router to every matching subscription, with targets
registered and evicted as the browser reports attachments and detachments.
A single send loop serializes all writes to the wire. Any number of callers
may block in Execute concurrently; each waits only on its own pending call.
*/
type Connection struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	opts   *ConnectOptions

	conn         *websocket.Conn
	sendCh       chan *cdproto.Message
	done         chan struct{}
	shutdownOnce sync.Once
	msgID        int64
	state        int32

	pending  *pendingTable
	router   *eventRouter
	registry *TargetRegistry
}

// NewConnection dials the browser's WebSocket endpoint and starts the send
// and receive loops. A nil opts uses DefaultConnectOptions.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger, opts *ConnectOptions) (*Connection, error) {
	if opts == nil {
		opts = DefaultConnectOptions()
	}
	wsd := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  opts.WriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing %q: %w", wsURL, err)
	}

	c := &Connection{
		ctx:     ctx,
		wsURL:   wsURL,
		logger:  logger,
		opts:    opts,
		conn:    conn,
		sendCh:  make(chan *cdproto.Message, opts.SendQueueSize),
		done:    make(chan struct{}),
		state:   connStateConnecting,
		pending: newPendingTable(),
		router:  newEventRouter(logger),
	}
	c.registry = NewTargetRegistry(c)
	atomic.StoreInt32(&c.state, connStateOpen)

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// URL returns the WebSocket endpoint this connection dialed.
func (c *Connection) URL() string { return c.wsURL }

// Registry returns the connection's target registry.
func (c *Connection) Registry() *TargetRegistry { return c.registry }

// Targets returns a snapshot of the currently attached targets.
func (c *Connection) Targets() []*Target { return c.registry.List() }

// Done is closed when the connection has terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has terminated.
func (c *Connection) Closed() bool {
	return atomic.LoadInt32(&c.state) == connStateClosed
}

// Close cleanly closes the WebSocket connection. Every outstanding call is
// resolved with ErrConnectionClosed, all targets are evicted and all
// subscriptions are cancelled. Closing is idempotent.
func (c *Connection) Close(code ...int) error {
	closeCode := websocket.CloseGoingAway
	if len(code) > 0 {
		closeCode = code[0]
	}
	return c.closeConnection(closeCode)
}

func (c *Connection) closeConnection(code int) error {
	var err error
	c.shutdownOnce.Do(func() {
		c.logger.Debugf("Connection:close", "code:%d", code)
		atomic.StoreInt32(&c.state, connStateClosed)

		err = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(10*time.Second),
		)
		_ = c.conn.Close()

		// Fan out the only error class that reaches every caller, then stop
		// the loops and event delivery.
		c.pending.closeAll(closedError(code))
		c.registry.evictAll()
		c.router.closeAll()
		close(c.done)
	})
	return err
}

func (c *Connection) handleIOError(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warnf("Connection:io", "connection lost: %v", err)
	}
	code := websocket.CloseGoingAway
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	_ = c.closeConnection(code)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}
		c.logger.Tracef("cdp:recv", "<- %s", buf)

		msg, err := decodeMessage(buf)
		if err != nil {
			// A single bad frame must not take down the connection.
			c.logger.Errorf("cdp:recv", "ignoring frame: %v", err)
			continue
		}

		if isResponse(msg) {
			c.resolveCall(msg)
			continue
		}
		c.routeEvent(msg)
	}
}

func (c *Connection) resolveCall(msg *cdproto.Message) {
	res := callResult{result: msg.Result}
	if msg.Error != nil {
		res = callResult{err: remoteError(msg.Error)}
	}
	if !c.pending.resolve(msg.ID, res) {
		// Either an id this connection never issued, or a response that
		// arrived after its caller timed out locally.
		c.logger.Debugf("cdp:recv", "dropping response with unknown id %d", msg.ID)
	}
}

func (c *Connection) routeEvent(msg *cdproto.Message) {
	var data any
	ev, err := cdproto.UnmarshalMessage(msg)
	switch {
	case err == nil:
		data = ev
	default:
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); !ok {
			c.logger.Errorf("cdp:recv", "dropping event %q: %v", msg.Method, err)
			return
		}
		// An event from a browser whose vocabulary differs from the local
		// cdproto; deliver the raw envelope instead.
		data = msg
	}

	// Keep the registry in step with the browser's attachments before any
	// subscriber observes the event.
	switch tev := data.(type) {
	case *target.EventAttachedToTarget:
		c.registry.attach(tev.TargetInfo.TargetID, tev.SessionID)
	case *target.EventDetachedFromTarget:
		c.registry.detach(tev.SessionID)
	}

	c.router.emit(&Event{
		Method:    string(msg.Method),
		SessionID: msg.SessionID,
		Data:      data,
	})
}

func (c *Connection) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			buf, err := encodeMessage(msg)
			if err != nil {
				c.logger.Errorf("cdp:send", "%v", err)
				if msg.ID != 0 {
					c.pending.resolve(msg.ID, callResult{err: err})
				}
				continue
			}
			c.logger.Tracef("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Execute implements the cdp.Executor interface: it sends method with
// params on the browser session and blocks the caller, not the loops, until
// the matching response arrives. The command is written to the wire exactly
// once; retries are the caller's responsibility since CDP commands are not
// guaranteed idempotent.
func (c *Connection) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	return c.execute(ctx, method, "", params, res)
}

// ExecuteWithoutExpectationOnReply sends a command and returns as soon as it
// is queued. The browser's response, if any, is dropped as unknown-id.
func (c *Connection) ExecuteWithoutExpectationOnReply(
	ctx context.Context, method string, params easyjson.Marshaler,
) error {
	return c.executeWithoutReply(ctx, method, "", params)
}

// Subscribe registers handler for every event with the given method, from
// any session. An empty method subscribes to all events. The returned handle
// is only useful for cancellation via Unsubscribe.
func (c *Connection) Subscribe(method string, handler EventHandler) (*Subscription, error) {
	return c.router.subscribe(method, "", handler)
}

// SubscribeSession is like Subscribe but limited to events emitted by one
// protocol session.
func (c *Connection) SubscribeSession(
	method string, session target.SessionID, handler EventHandler,
) (*Subscription, error) {
	return c.router.subscribe(method, session, handler)
}

// Unsubscribe cancels a subscription. Events already queued for the handler
// are discarded.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.router.unsubscribe(sub)
}

// AttachToTarget attaches to the given target with a flattened session and
// acquires its registry handle. If the browser pushed the attachment event
// first, the existing handle is returned.
func (c *Connection) AttachToTarget(ctx context.Context, tid target.ID) (*Target, error) {
	action := target.AttachToTarget(tid).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %q: %w", tid, err)
	}
	return c.registry.Acquire(tid, sid), nil
}

// GetTargets fetches the browser's current target list.
func (c *Connection) GetTargets(ctx context.Context) ([]*target.Info, error) {
	infos, err := target.GetTargets().Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("getting targets: %w", err)
	}
	return infos, nil
}

func (c *Connection) execute(
	ctx context.Context, method string, session target.SessionID,
	params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	if _, ok := ctx.Deadline(); !ok && c.opts.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.DefaultTimeout)
		defer cancel()
	}

	id := atomic.AddInt64(&c.msgID, 1)
	call, err := c.pending.add(id, method)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	msg, err := c.newMessage(id, method, session, params)
	if err != nil {
		c.pending.remove(id)
		return err
	}

	select {
	case c.sendCh <- msg:
	case <-ctx.Done():
		c.pending.remove(id)
		return callContextError(method, ctx.Err())
	case <-c.done:
		// closeAll has resolved (or will resolve) the call.
		return finishCall(method, <-call.resultCh, res)
	}

	select {
	case r := <-call.resultCh:
		return finishCall(method, r, res)
	case <-ctx.Done():
		if c.pending.remove(id) == nil {
			// The read loop resolved the call concurrently with the
			// deadline; prefer the response that is already here.
			select {
			case r := <-call.resultCh:
				return finishCall(method, r, res)
			default:
			}
		}
		return callContextError(method, ctx.Err())
	}
}

func (c *Connection) executeWithoutReply(
	ctx context.Context, method string, session target.SessionID, params easyjson.Marshaler,
) error {
	if c.Closed() {
		return fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	}
	id := atomic.AddInt64(&c.msgID, 1)
	msg, err := c.newMessage(id, method, session, params)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- msg:
		return nil
	case <-ctx.Done():
		return callContextError(method, ctx.Err())
	case <-c.done:
		return fmt.Errorf("%s: %w", method, ErrConnectionClosed)
	}
}

func (c *Connection) newMessage(
	id int64, method string, session target.SessionID, params easyjson.Marshaler,
) (*cdproto.Message, error) {
	var buf easyjson.RawMessage
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return nil, fmt.Errorf("%s: encoding params: %w", method, err)
		}
	}
	return &cdproto.Message{
		ID:        id,
		SessionID: session,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}, nil
}

func finishCall(method string, r callResult, res easyjson.Unmarshaler) error {
	if r.err != nil {
		return fmt.Errorf("%s: %w", method, r.err)
	}
	if res != nil && len(r.result) > 0 {
		if err := easyjson.Unmarshal(r.result, res); err != nil {
			return fmt.Errorf("%s: decoding result: %w", method, err)
		}
	}
	return nil
}

func callContextError(method string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", method, ErrCallTimeout)
	}
	return fmt.Errorf("%s: %w", method, err)
}
