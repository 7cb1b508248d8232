package common

import (
	"fmt"

	"github.com/chromedp/cdproto"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// The wire codec is a pure transform between cdproto.Message envelopes and
// WebSocket text frames. Classification: a frame with an id is a response, a
// frame without an id but with a method is an event, anything else is
// malformed. Malformed frames never escape as panics; they are reported as
// ErrMalformedFrame and skipped by the read loop.

func encodeMessage(msg *cdproto.Message) ([]byte, error) {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return nil, fmt.Errorf("encoding %q: %w", msg.Method, err)
	}
	buf, err := encoder.BuildBytes()
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", msg.Method, err)
	}
	return buf, nil
}

func decodeMessage(buf []byte) (*cdproto.Message, error) {
	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.ID == 0 && msg.Method == "" {
		return nil, fmt.Errorf("%w: missing both id and method", ErrMalformedFrame)
	}
	return &msg, nil
}

// isResponse reports whether msg correlates to a previously sent command.
func isResponse(msg *cdproto.Message) bool {
	return msg.ID != 0
}
