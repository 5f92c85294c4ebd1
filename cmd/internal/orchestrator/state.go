package orchestrator

import (
	"errors"
	"fmt"

	"holder/cmd/internal/pairing"
)

// State is the orchestrator's view of the session.
type State uint8

const (
	StateIdle State = iota
	StateLoggingIn
	StateLoggedIn
	StateScanning
	StateSendingIdentify
	StateRetryPrompted
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoggingIn:
		return "logging_in"
	case StateLoggedIn:
		return "logged_in"
	case StateScanning:
		return "scanning"
	case StateSendingIdentify:
		return "sending_identify"
	case StateRetryPrompted:
		return "retry_prompted"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// inSession reports whether s belongs to an established session.
func (s State) inSession() bool {
	switch s {
	case StateLoggedIn, StateScanning, StateSendingIdentify, StateRetryPrompted:
		return true
	default:
		return false
	}
}

var (
	// ErrNotLoggedIn is returned by OnScan outside a session.
	ErrNotLoggedIn = errors.New("orchestrator: not logged in")

	// ErrBusy is returned by OnScan while a login or another scan is in progress.
	ErrBusy = errors.New("orchestrator: busy")

	// ErrRetryRequired signals the user should scan again: the peer was not reachable.
	ErrRetryRequired = errors.New("orchestrator: retry required")

	// ErrSessionClosed is returned to operations whose session ended before they completed.
	ErrSessionClosed = errors.New("orchestrator: session closed")

	// ErrStopped is returned when the Run loop is not running.
	ErrStopped = errors.New("orchestrator: stopped")

	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("orchestrator: already running")
)

// RetryError carries the peer an IDENTIFY could not reach.
type RetryError struct {
	Peer pairing.PeerID
	Err  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("%v: peer %s: %v", ErrRetryRequired, e.Peer, e.Err)
}

// Unwrap exposes ErrRetryRequired and the relay error.
func (e *RetryError) Unwrap() []error { return []error{ErrRetryRequired, e.Err} }
