// Package wsio reads and writes relay v1 envelopes over a websocket and
// classifies read failures. The holder transport and the relay share it.
package wsio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	v1 "holder/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// ReadEnvelope reads one frame and decodes it. A frame that is not valid JSON
// yields a *BadJSONError; the connection stays usable.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, &BadJSONError{Err: err}
	}
	return env, nil
}

// WriteEnvelope encodes env and writes it as a text frame within timeout.
func WriteEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// BadJSONError reports a frame that could not be decoded.
type BadJSONError struct{ Err error }

func (e *BadJSONError) Error() string { return "bad json: " + e.Err.Error() }
func (e *BadJSONError) Unwrap() error { return e.Err }

// ReadErrKind classifies a read failure.
type ReadErrKind uint8

const (
	ReadErrUnknown ReadErrKind = iota
	ReadErrClose
	ReadErrCtxDone
	ReadErrConnClosed
	ReadErrBadJSON
)

// ClassifyReadErr maps a ReadEnvelope error to a ReadErrKind.
func ClassifyReadErr(err error) ReadErrKind {
	var bj *BadJSONError
	if errors.As(err, &bj) {
		return ReadErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return ReadErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReadErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ReadErrConnClosed
	}
	return ReadErrUnknown
}
