package common

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto"
)

// Sentinel errors returned by the connection engine. Callers should match
// them with errors.Is since most are returned wrapped with call context.
var (
	// ErrMalformedFrame is returned by the wire codec when an inbound
	// payload is not valid JSON or carries neither an id nor a method.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrConnectionClosed is returned to every outstanding and future call
	// once the underlying WebSocket connection is gone.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCallTimeout is returned when a call's deadline elapses before its
	// response arrives. The call is forgotten locally; no cancellation is
	// sent to the browser.
	ErrCallTimeout = errors.New("call timed out")

	// ErrTargetClosed is returned by operations on a target that has been
	// detached and evicted from the registry.
	ErrTargetClosed = errors.New("target closed")

	// ErrRequestAlreadyHandled is returned when an intercepted request is
	// answered a second time.
	ErrRequestAlreadyHandled = errors.New("intercepted request already handled")
)

// RemoteError is a command rejection sent by the browser. It is surfaced
// only to the caller whose command was rejected.
type RemoteError struct {
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s", e.Code, e.Message)
}

// remoteError converts the wire envelope's error payload.
func remoteError(err *cdproto.Error) *RemoteError {
	return &RemoteError{Code: err.Code, Message: err.Message}
}

// closedError annotates ErrConnectionClosed with the websocket close code,
// when one was observed.
func closedError(code int) error {
	if code == 0 {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w (websocket close code %d)", ErrConnectionClosed, code)
}
