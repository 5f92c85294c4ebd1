package orchestrator

import (
	"context"

	"holder/cmd/internal/channel"
	"holder/cmd/internal/message"
	"holder/cmd/internal/pairing"
)

// Session is the relay session the orchestrator drives (a *channel.Channel).
type Session interface {
	Login(ctx context.Context, msg message.SignedMessage) error
	Subscribe(ctx context.Context, kind message.Kind, h channel.Handler) error
	Subscribed(kind message.Kind) bool
	Send(ctx context.Context, msg message.SignedMessage) error
	Logout(ctx context.Context)
}

var _ Session = (*channel.Channel)(nil)

// Reporter receives failures worth surfacing. expected is true for failures
// that are part of normal operation (unreachable peer, bad scan).
type Reporter interface {
	Report(err error, expected bool)
}

// ConsentHandler receives authenticated login requests.
type ConsentHandler interface {
	HandleLoginRequest(ctx context.Context, from pairing.PeerID, req message.LoginRequestPayload) error
}

type nopReporter struct{}

func (nopReporter) Report(error, bool) {}

type nopConsent struct{}

func (nopConsent) HandleLoginRequest(context.Context, pairing.PeerID, message.LoginRequestPayload) error {
	return nil
}
