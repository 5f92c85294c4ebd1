package channel

import "errors"

// State is the channel's session state.
type State uint8

const (
	StateNone State = iota
	StateAuthenticating
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

var (
	// ErrNotAuthenticated is returned by Subscribe and Send outside an authenticated session.
	ErrNotAuthenticated = errors.New("channel: not authenticated")

	// ErrAlreadySubscribed is returned when kind already has an active subscription.
	ErrAlreadySubscribed = errors.New("channel: already subscribed")

	// ErrSuperseded is returned by an operation that completed after a logout
	// ended the session it was started in.
	ErrSuperseded = errors.New("channel: superseded by logout")
)
