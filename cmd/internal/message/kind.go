package message

import "fmt"

// Kind identifies the protocol role of a signed message.
type Kind string

const (
	// KindLogin authenticates the holder to the relay (self-addressed).
	KindLogin Kind = "login"
	// KindIdentify announces the holder to a freshly paired peer.
	KindIdentify Kind = "identify"
	// KindLoginRequest is a relying party asking the holder to authenticate/consent.
	KindLoginRequest Kind = "login_request"
)

// Known reports whether k is a kind this codec has a schema for.
func (k Kind) Known() bool {
	switch k {
	case KindLogin, KindIdentify, KindLoginRequest:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// ParseKind validates a wire kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Known() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrSchemaMismatch, s)
	}
	return k, nil
}
