package pairing

import "strings"

// PeerID is a validated DID-shaped identifier: did:<method>:<method-specific-id>.
//
// The zero value is "no peer". A non-zero PeerID can only be obtained through
// Resolve or Parse, so an unvalidated string never reaches the relay.
type PeerID struct {
	s string
}

// String returns the canonical identifier.
func (p PeerID) String() string { return p.s }

// IsZero reports whether p is the empty peer.
func (p PeerID) IsZero() bool { return p.s == "" }

// Method returns the DID method name ("key", "web", "ed25519", ...).
func (p PeerID) Method() string {
	rest, ok := strings.CutPrefix(p.s, didScheme+":")
	if !ok {
		return ""
	}
	method, _, _ := strings.Cut(rest, ":")
	return method
}

// MethodSpecificID returns everything after did:<method>:.
func (p PeerID) MethodSpecificID() string {
	rest, ok := strings.CutPrefix(p.s, didScheme+":")
	if !ok {
		return ""
	}
	_, msid, _ := strings.Cut(rest, ":")
	return msid
}

// Equal reports whether two peers are the same identifier.
func (p PeerID) Equal(o PeerID) bool { return p.s == o.s }

// MarshalText implements encoding.TextMarshaler.
func (p PeerID) MarshalText() ([]byte, error) { return []byte(p.s), nil }

// UnmarshalText implements encoding.TextUnmarshaler and validates the input.
// An empty input yields the zero PeerID.
func (p *PeerID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*p = PeerID{}
		return nil
	}
	id, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = id
	return nil
}
