package common

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godoll/godoll/log"
	"github.com/godoll/godoll/tests/ws"
)

func TestConnection(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithEchoHandler("/echo"))

	t.Run("connect", func(t *testing.T) {
		t.Parallel()

		conn, err := NewConnection(context.Background(), server.URL("/echo"), log.NewNullLogger(), nil)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		assert.True(t, conn.Closed())
	})

	t.Run("dial failure", func(t *testing.T) {
		t.Parallel()

		_, err := NewConnection(context.Background(), "ws://127.0.0.1:1/nope", log.NewNullLogger(), nil)
		require.Error(t, err)
	})
}

func TestConnectionClosureAbnormal(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithClosureAbnormalHandler("/closure-abnormal"))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/closure-abnormal"), log.NewNullLogger(), nil)
	require.NoError(t, err)

	err = target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, conn))
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionSendRecv(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	t.Run("send command with empty reply", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
		require.NoError(t, err)
		defer conn.Close()

		err = target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, conn))
		require.NoError(t, err)
	})
}

func TestConnectionExecuteRemoteError(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == "" {
			return
		}
		writeCh <- cdproto.Message{
			ID:    msg.ID,
			Error: &cdproto.Error{Code: -32601, Message: "'Bogus.method' wasn't found"},
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Execute(ctx, "Bogus.method", nil, nil)
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.EqualValues(t, -32601, remoteErr.Code)
	assert.Contains(t, remoteErr.Message, "wasn't found")

	// The rejection reached only that caller; the connection stays usable.
	assert.False(t, conn.Closed())
}

func TestConnectionConcurrentExecuteNoCrosstalk(t *testing.T) {
	t.Parallel()

	// Echo each command's params back as its result so every caller can
	// verify it got the response to its own id.
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == "" {
			return
		}
		result := msg.Params
		if len(result) == 0 {
			result = easyjson.RawMessage(`{}`)
		}
		writeCh <- cdproto.Message{ID: msg.ID, Result: result}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	const n = 25
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := easyjson.RawMessage(fmt.Sprintf(`{"v":%d}`, i))
			var res easyjson.RawMessage
			if err := conn.Execute(ctx, "Echo.params", &params, &res); err != nil {
				errs[i] = err
				return
			}
			if string(res) != string(params) {
				errs[i] = fmt.Errorf("cross-talk: sent %s, got %s", params, res)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "call %d", i)
	}
}

func TestConnectionExecuteTimeout(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		slowID int64
	)
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		switch {
		case msg.Method == "Slow.op":
			// Swallow the command; the caller must time out locally.
			mu.Lock()
			slowID = msg.ID
			mu.Unlock()
		case msg.Method == "Late.trigger":
			// Deliver the slow op's response late, then answer the trigger.
			mu.Lock()
			id := slowID
			mu.Unlock()
			writeCh <- cdproto.Message{ID: id, Result: easyjson.RawMessage(`{"late":true}`)}
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
		case msg.Method != "":
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	conn, err := NewConnection(context.Background(), server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	callCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = conn.Execute(callCtx, "Slow.op", nil, nil)
	require.ErrorIs(t, err, ErrCallTimeout)

	// The timed-out call left the table, so its late response is dropped as
	// unknown-id and resolves nothing twice.
	assert.Equal(t, 0, conn.pending.size())
	err = conn.Execute(context.Background(), "Late.trigger", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, conn.pending.size())
	assert.False(t, conn.Closed())
}

func TestConnectionCloseResolvesPending(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		// Never reply.
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	conn, err := NewConnection(context.Background(), server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Execute(context.Background(), "Never.replies", nil, nil)
		}(i)
	}

	require.Eventually(t, func() bool { return conn.pending.size() == n }, time.Second, time.Millisecond)
	require.NoError(t, conn.Close())
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, errs[i], ErrConnectionClosed, "call %d", i)
	}

	// The engine is permanently unusable: later calls fail immediately.
	err = conn.Execute(context.Background(), "After.close", nil, nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.Subscribe("Page.loadEventFired", func(ev *Event) {})
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestConnectionIgnoresBadFrames(t *testing.T) {
	t.Parallel()

	// Garbage, a frame with no discriminator, and a response to an id this
	// connection never issued: all logged and dropped, never fatal.
	server := ws.NewServer(t, ws.WithRawHandler("/raw",
		`this is not json`,
		`{"params":{"foo":1}}`,
		`{"id":999,"result":{}}`,
	))

	conn, err := NewConnection(context.Background(), server.URL("/raw"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, conn.Closed())
	assert.Equal(t, 0, conn.pending.size())
}

func TestConnectionAttachToTarget(t *testing.T) {
	t.Parallel()

	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	tgt, err := conn.AttachToTarget(ctx, "target_id_0123456789")
	require.NoError(t, err)
	assert.EqualValues(t, "target_id_0123456789", tgt.ID())
	assert.EqualValues(t, "session_id_0123456789", tgt.SessionID())

	// The attach event and the attach response race to register the target;
	// both must land on the same instance.
	registered, ok := conn.Registry().Get("target_id_0123456789")
	require.True(t, ok)
	assert.Same(t, tgt, registered)
	assert.Len(t, conn.Targets(), 1)
}

func TestConnectionGetTargetsMatchesRegistry(t *testing.T) {
	t.Parallel()

	const targetInfos = `
	{
		"targetInfos": [
			{
				"targetId": "target_id_0123456789",
				"type": "page",
				"title": "",
				"url": "about:blank",
				"attached": true,
				"browserContextId": "browser_context_id_0123456789"
			}
		]
	}`

	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == cdproto.CommandTargetGetTargets {
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(targetInfos)}
			return
		}
		ws.CDPDefaultHandler(conn, msg, writeCh, done)
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.AttachToTarget(ctx, "target_id_0123456789")
	require.NoError(t, err)

	infos, err := conn.GetTargets(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, len(conn.Targets()))
}

func TestConnectionDetachEventEvictsTarget(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == "Test.detach" {
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetDetachedFromTarget,
				Params: easyjson.RawMessage(`{"sessionId":"session_id_0123456789","targetId":"target_id_0123456789"}`),
			}
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
			return
		}
		ws.CDPDefaultHandler(conn, msg, writeCh, done)
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	tgt, err := conn.AttachToTarget(ctx, "target_id_0123456789")
	require.NoError(t, err)

	require.NoError(t, conn.Execute(ctx, "Test.detach", nil, nil))
	require.Eventually(t, func() bool { return tgt.Closed() }, time.Second, time.Millisecond)
	assert.Empty(t, conn.Targets())

	err = tgt.Execute(ctx, "Page.enable", nil, nil)
	assert.ErrorIs(t, err, ErrTargetClosed)
}

func TestConnectionSubscribe(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == "Test.emit" {
			writeCh <- cdproto.Message{
				Method: cdproto.EventPageLoadEventFired,
				Params: easyjson.RawMessage(`{"timestamp":1}`),
			}
			writeCh <- cdproto.Message{
				Method: cdproto.EventPageLoadEventFired,
				Params: easyjson.RawMessage(`{"timestamp":2}`),
			}
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
			return
		}
		if msg.Method != "" {
			writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)}
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	var first, second eventSink
	_, err = conn.Subscribe(cdproto.EventPageLoadEventFired, first.handler)
	require.NoError(t, err)
	_, err = conn.Subscribe(cdproto.EventPageLoadEventFired, second.handler)
	require.NoError(t, err)

	require.NoError(t, conn.Execute(ctx, "Test.emit", nil, nil))

	require.Eventually(t, func() bool {
		return first.len() == 2 && second.len() == 2
	}, time.Second, time.Millisecond)

	// Payloads arrive typed and in wire order per subscription.
	first.mu.Lock()
	defer first.mu.Unlock()
	for i, ev := range first.events {
		ld, ok := ev.Data.(*cdppage.EventLoadEventFired)
		require.Truef(t, ok, "event %d has type %T", i, ev.Data)
		require.NotNil(t, ld.Timestamp)
	}
}

func TestConnectionExecuteWithoutReply(t *testing.T) {
	t.Parallel()

	recorder := &ws.CommandRecorder{}
	handler := func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		// Never reply.
	}
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, recorder))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.URL("/cdp"), log.NewNullLogger(), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.ExecuteWithoutExpectationOnReply(ctx, "Fire.andForget", nil))
	require.Eventually(t, func() bool {
		return recorder.Count("Fire.andForget") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, conn.pending.size())
}
