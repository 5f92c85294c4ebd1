package relay

import (
	"context"

	"holder/cmd/internal/message"
)

// SessionToken is the opaque relay session handle returned by Login.
type SessionToken string

func (t SessionToken) IsZero() bool { return t == "" }

// Transport is the relay connection consumed by the session channel.
//
// Relay rejections are returned as *Error; everything else that prevents a
// relay answer is a *TransportError (or the caller's context error).
type Transport interface {
	// Login presents a signed, self-addressed LOGIN message and opens a session.
	Login(ctx context.Context, msg message.SignedMessage) (SessionToken, error)
	// Subscribe asks the relay to deliver messages of kind. The returned
	// channel is closed when the subscription ends (logout, close).
	Subscribe(ctx context.Context, kind message.Kind) (<-chan message.SignedMessage, error)
	// Send routes a signed message to its recipient.
	Send(ctx context.Context, msg message.SignedMessage) error
	// Logout ends the session identified by tok.
	Logout(ctx context.Context, tok SessionToken) error
	// Close releases the connection. It is idempotent.
	Close() error
}
