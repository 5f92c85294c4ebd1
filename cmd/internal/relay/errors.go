package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures where no relay response was received.
	ErrTransport = errors.New("relay transport failure")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay transport closed")

	// ErrNoSession is returned by operations that need a relay session when none is held.
	ErrNoSession = errors.New("no relay session")
)

// Error is a failure reported by the relay itself.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	// Raw is the undecoded error payload, kept for diagnostics.
	Raw []byte
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay: status %d (%s)", e.StatusCode, e.Code)
	}
	return fmt.Sprintf("relay: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// StatusOf returns the relay status code carried by err, if any.
func StatusOf(err error) (int, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode, true
	}
	return 0, false
}

// TransportError is a failure with no relay answer: dial, write, timeout or
// connection loss.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("relay %s: %v", e.Op, ErrTransport)
	}
	return fmt.Sprintf("relay %s: %v: %v", e.Op, ErrTransport, e.Err)
}

// Unwrap exposes ErrTransport and the cause.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

func transportErr(op string, err error) error { return &TransportError{Op: op, Err: err} }
