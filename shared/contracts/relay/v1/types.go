// Package v1 defines the holder relay protocol v1 contract.
//
// Both the holder client transport and the development relay import this
// package so the wire protocol stays authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for v1.
const Subprotocol = "holder.relay.v1"

// Type constants (wire-stable).
const (
	// TypeLogin opens a relay session with a signed login message (client -> relay).
	TypeLogin = "login"
	// TypeResume re-attaches a reconnected socket to an existing session (client -> relay).
	TypeResume = "resume"
	// TypeSubscribe asks the relay to deliver messages of one kind (client -> relay).
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe stops delivery of one kind (client -> relay).
	TypeUnsubscribe = "unsubscribe"
	// TypeSend routes a signed message to its recipient (client -> relay).
	TypeSend = "send"
	// TypeLogout tears the relay session down (client -> relay).
	TypeLogout = "logout"

	// TypeAck answers a client request; Re carries the request ID (relay -> client).
	TypeAck = "ack"
	// TypeDeliver carries an inbound signed message (relay -> client).
	TypeDeliver = "deliver"
	// TypeError answers a failed request; Re carries the request ID when known (relay -> client).
	TypeError = "error"
)

// Status codes carried by ErrorPayload. They mirror HTTP semantics.
const (
	StatusBadRequest   = 400
	StatusUnauthorized = 401
	StatusNotFound     = 404
	StatusConflict     = 409
	StatusRateLimited  = 429
	StatusInternal     = 500
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Re      string          `json:"re,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeLogin,
		TypeResume,
		TypeSubscribe,
		TypeUnsubscribe,
		TypeSend,
		TypeLogout:
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("missing field: id (type %q)", e.Type)
		}
		return nil
	case TypeAck:
		if strings.TrimSpace(e.Re) == "" {
			return errors.New("missing field: re")
		}
		return nil
	case TypeDeliver, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsRequest reports whether the envelope expects an ack or error reply.
func (e Envelope) IsRequest() bool {
	switch e.Type {
	case TypeLogin, TypeResume, TypeSubscribe, TypeUnsubscribe, TypeSend, TypeLogout:
		return true
	default:
		return false
	}
}
