package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"holder/cmd/internal/pairing"
)

// Signer is the signing/identity capability the codec depends on.
type Signer interface {
	// Self returns the identity messages are signed as.
	Self() pairing.PeerID
	// Sign produces a signed message of kind with the given JSON payload.
	Sign(kind Kind, payload []byte, recipient pairing.PeerID, now time.Time) (SignedMessage, error)
	// Verify reports whether msg carries a valid signature bound to its sender.
	Verify(msg SignedMessage, now time.Time) bool
}

// Decoder turns a wire token into a SignedMessage.
type Decoder interface {
	Decode(token string, now time.Time) (SignedMessage, error)
}

// Codec produces typed signed messages and extracts typed payloads.
type Codec struct {
	signer  Signer
	decoder Decoder
	now     func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec builds a Codec. signer may be nil (messages then cannot be signed);
// decoder may be nil (wire tokens then cannot be decoded).
func NewCodec(signer Signer, decoder Decoder, opts ...Option) *Codec {
	c := &Codec{
		signer:  signer,
		decoder: decoder,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Self returns the local identity, or the zero PeerID when no signer is wired.
func (c *Codec) Self() pairing.PeerID {
	if c == nil || c.signer == nil {
		return pairing.PeerID{}
	}
	return c.signer.Self()
}

// Sign validates payload against the schema for kind and signs it.
// A zero recipient produces a self-addressed message.
func (c *Codec) Sign(kind Kind, payload Payload, recipient pairing.PeerID) (SignedMessage, error) {
	if c == nil || c.signer == nil || c.signer.Self().IsZero() {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "signing capability unavailable"}
	}
	if !kind.Known() {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "unknown kind"}
	}
	if payload == nil {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "nil payload"}
	}
	if payload.Kind() != kind {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: fmt.Sprintf("payload is for kind %s", payload.Kind())}
	}
	if err := payload.Validate(); err != nil {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "payload schema", Err: err}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "encode payload", Err: err}
	}

	msg, err := c.signer.Sign(kind, body, recipient, c.now())
	if err != nil {
		var se *SigningError
		if errors.As(err, &se) {
			return SignedMessage{}, err
		}
		return SignedMessage{}, &SigningError{Kind: kind, Err: err}
	}
	return msg, nil
}

// ExtractPayload checks that msg is of expectedKind and authentic, then
// decodes its payload into out.
func (c *Codec) ExtractPayload(msg SignedMessage, expectedKind Kind, out Payload) error {
	if msg.Kind() != expectedKind {
		return fmt.Errorf("%w: got kind %q want %q", ErrSchemaMismatch, msg.Kind(), expectedKind)
	}
	if out == nil || out.Kind() != expectedKind {
		return fmt.Errorf("%w: destination does not hold %q payloads", ErrSchemaMismatch, expectedKind)
	}
	if c == nil || c.signer == nil {
		return fmt.Errorf("%w: no verifier", ErrAuthenticity)
	}
	if !c.signer.Verify(msg, c.now()) {
		return fmt.Errorf("%w: message %s from %s", ErrAuthenticity, msg.ID(), msg.Sender())
	}

	if err := json.Unmarshal(msg.payload, out); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", ErrSchemaMismatch, expectedKind, err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrSchemaMismatch, expectedKind, err)
	}
	return nil
}

// Decode parses an inbound wire token.
func (c *Codec) Decode(token string) (SignedMessage, error) {
	if c == nil || c.decoder == nil {
		return SignedMessage{}, fmt.Errorf("%w: no decoder", ErrMalformed)
	}
	return c.decoder.Decode(token, c.now())
}
