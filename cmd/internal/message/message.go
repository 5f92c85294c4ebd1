package message

import (
	"time"

	"holder/cmd/internal/pairing"
)

// Header is the signed metadata of a message.
type Header struct {
	Kind      Kind
	ID        string
	Sender    pairing.PeerID
	Recipient pairing.PeerID
	IssuedAt  time.Time
	ExpiresAt time.Time
	// KeyID is the hex-encoded verification key the token claims to be signed with.
	KeyID string
}

// SignedMessage is an immutable signed, typed message.
//
// Token is the wire form: it carries the signature and every header field.
type SignedMessage struct {
	h       Header
	payload []byte
	token   string
}

// NewSignedMessage assembles a SignedMessage. Signer implementations call it
// after producing token; the payload slice is copied.
func NewSignedMessage(h Header, payload []byte, token string) SignedMessage {
	return SignedMessage{
		h:       h,
		payload: append([]byte(nil), payload...),
		token:   token,
	}
}

func (m SignedMessage) Kind() Kind                { return m.h.Kind }
func (m SignedMessage) ID() string                { return m.h.ID }
func (m SignedMessage) Sender() pairing.PeerID    { return m.h.Sender }
func (m SignedMessage) Recipient() pairing.PeerID { return m.h.Recipient }
func (m SignedMessage) IssuedAt() time.Time       { return m.h.IssuedAt }
func (m SignedMessage) ExpiresAt() time.Time      { return m.h.ExpiresAt }
func (m SignedMessage) KeyID() string             { return m.h.KeyID }
func (m SignedMessage) Token() string             { return m.token }
func (m SignedMessage) Header() Header            { return m.h }

// Payload returns a copy of the JSON payload.
func (m SignedMessage) Payload() []byte { return append([]byte(nil), m.payload...) }

// IsZero reports whether m is the empty message.
func (m SignedMessage) IsZero() bool { return m.token == "" }
