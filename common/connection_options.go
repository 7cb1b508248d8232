package common

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mstoykov/envconfig"
)

const (
	// DefaultTimeout is applied to every Execute call whose context carries
	// no deadline of its own.
	DefaultTimeout = 30 * time.Second

	defaultHandshakeTimeout = 60 * time.Second
	wsWriteBufferSize       = 1 << 20
)

// ConnectOptions control how a Connection dials and talks to the browser.
// The zero value is not usable; start from DefaultConnectOptions.
type ConnectOptions struct {
	HandshakeTimeout time.Duration `envconfig:"GODOLL_HANDSHAKE_TIMEOUT"`
	DefaultTimeout   time.Duration `envconfig:"GODOLL_DEFAULT_TIMEOUT"`
	WriteBufferSize  int           `envconfig:"GODOLL_WS_WRITE_BUFFER_SIZE"`
	SendQueueSize    int           `envconfig:"GODOLL_SEND_QUEUE_SIZE"`

	// Header is sent with the WebSocket handshake request.
	Header http.Header `ignored:"true"`
}

// DefaultConnectOptions returns the options every connection starts from.
func DefaultConnectOptions() *ConnectOptions {
	return &ConnectOptions{
		HandshakeTimeout: defaultHandshakeTimeout,
		DefaultTimeout:   DefaultTimeout,
		WriteBufferSize:  wsWriteBufferSize,
		SendQueueSize:    32, // avoid blocking in Execute
	}
}

// ReadFromEnv overrides the options from environment variables, using the
// process environment when lookup is nil.
func (o *ConnectOptions) ReadFromEnv(lookup func(key string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := envconfig.Process("", o, lookup); err != nil {
		return fmt.Errorf("reading connect options from env: %w", err)
	}
	return nil
}
