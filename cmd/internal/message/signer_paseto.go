package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"holder/cmd/identity"
	"holder/cmd/identity/ids"
	"holder/cmd/internal/pairing"

	paseto "aidanwoods.dev/go-paseto"
)

const (
	claimKind    = "kind"
	claimPayload = "payload"
)

type tokenFooter struct {
	KID string `json:"kid"`
}

// PasetoVerifier decodes and verifies PASETO v4.public messages.
//
// Key binding: a did:ed25519 sender must sign with the key its DID embeds;
// for any other DID method the first key seen is pinned and later messages
// signed with a different key are rejected.
type PasetoVerifier struct {
	cfg Config

	mu   sync.Mutex
	pins map[string]string // sender DID -> key hex
}

// NewPasetoVerifier builds a verifier.
func NewPasetoVerifier(cfg Config) *PasetoVerifier {
	return &PasetoVerifier{
		cfg:  cfg.withDefaults(),
		pins: make(map[string]string),
	}
}

// Decode parses token, checking its signature against the embedded key and
// its validity window. It does not check key binding (see Verify).
func (v *PasetoVerifier) Decode(token string, now time.Time) (SignedMessage, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SignedMessage{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	p := v.parser(now)

	rawFooter, err := p.UnsafeParseFooter(paseto.V4Public, token)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: footer: %v", ErrMalformed, err)
	}
	var footer tokenFooter
	if err := json.Unmarshal(rawFooter, &footer); err != nil || footer.KID == "" {
		return SignedMessage{}, fmt.Errorf("%w: missing key id", ErrMalformed)
	}

	pub, err := paseto.NewV4AsymmetricPublicKeyFromHex(footer.KID)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: key id: %v", ErrMalformed, err)
	}

	parsed, err := p.ParseV4Public(pub, token, nil)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: %v", ErrAuthenticity, err)
	}

	return messageFromToken(parsed, footer.KID, token)
}

// Verify re-checks msg's signature and that the signing key belongs to its sender.
func (v *PasetoVerifier) Verify(msg SignedMessage, now time.Time) bool {
	if msg.IsZero() {
		return false
	}

	decoded, err := v.Decode(msg.Token(), now)
	if err != nil {
		return false
	}
	if !sameMessage(decoded, msg) {
		return false
	}
	return v.bindKey(decoded.Sender(), decoded.KeyID())
}

func (v *PasetoVerifier) bindKey(sender pairing.PeerID, keyHex string) bool {
	pub, ok, err := identity.PublicKeyFromDID(sender)
	if err != nil {
		return false
	}
	if ok {
		return strings.EqualFold(pub.ExportHex(), keyHex)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	pinned, seen := v.pins[sender.String()]
	if !seen {
		v.pins[sender.String()] = strings.ToLower(keyHex)
		return true
	}
	return strings.EqualFold(pinned, keyHex)
}

func (v *PasetoVerifier) parser(now time.Time) paseto.Parser {
	// Build a fresh parser per call so rules do not accumulate.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(validWithin(now, v.cfg.ClockSkew))
	return p
}

// validWithin accepts a token whose iat/nbf lie no more than skew in the
// future and whose exp lies no more than skew in the past.
func validWithin(now time.Time, skew time.Duration) paseto.Rule {
	return func(token paseto.Token) error {
		latest := now.Add(skew)

		iat, err := token.GetIssuedAt()
		if err != nil {
			return err
		}
		if iat.After(latest) {
			return fmt.Errorf("token issued in the future")
		}

		nbf, err := token.GetNotBefore()
		if err != nil {
			return err
		}
		if nbf.After(latest) {
			return fmt.Errorf("token not valid yet")
		}

		exp, err := token.GetExpiration()
		if err != nil {
			return err
		}
		if exp.Before(now.Add(-skew)) {
			return fmt.Errorf("token has expired")
		}
		return nil
	}
}

// PasetoSigner signs messages as PASETO v4.public tokens with an Ed25519 key.
type PasetoSigner struct {
	*PasetoVerifier

	keys identity.Keys
}

// NewPasetoSigner builds a Signer/Decoder for keys.
func NewPasetoSigner(cfg Config, keys identity.Keys) *PasetoSigner {
	return &PasetoSigner{
		PasetoVerifier: NewPasetoVerifier(cfg),
		keys:           keys,
	}
}

// Self returns the signing identity (zero when keys are not provisioned).
func (s *PasetoSigner) Self() pairing.PeerID { return s.keys.DID() }

// Sign implements Signer.
func (s *PasetoSigner) Sign(kind Kind, payload []byte, recipient pairing.PeerID, now time.Time) (SignedMessage, error) {
	if !s.keys.Provisioned() {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "keys not provisioned", Err: identity.ErrNotProvisioned}
	}
	if !json.Valid(payload) {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "payload is not JSON"}
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "message id", Err: err}
	}

	exp := now.Add(s.cfg.TTL)
	keyHex := s.keys.PublicKeyHex()

	tok := paseto.NewToken()
	tok.SetIssuer(s.keys.DID().String())
	if !recipient.IsZero() {
		tok.SetAudience(recipient.String())
	}
	tok.SetJti(id)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	tok.SetString(claimKind, string(kind))
	if err := tok.Set(claimPayload, json.RawMessage(payload)); err != nil {
		return SignedMessage{}, &SigningError{Kind: kind, Reason: "payload claim", Err: err}
	}

	footer, _ := json.Marshal(tokenFooter{KID: keyHex})
	tok.SetFooter(footer)

	signed := tok.V4Sign(s.keys.Secret(), nil)

	return NewSignedMessage(Header{
		Kind:      kind,
		ID:        id,
		Sender:    s.keys.DID(),
		Recipient: recipient,
		IssuedAt:  now.UTC().Truncate(time.Second),
		ExpiresAt: exp.UTC().Truncate(time.Second),
		KeyID:     keyHex,
	}, payload, signed), nil
}

func messageFromToken(parsed *paseto.Token, keyHex, raw string) (SignedMessage, error) {
	iss, err := parsed.GetIssuer()
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: missing issuer", ErrMalformed)
	}
	sender, err := pairing.Parse(iss)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: issuer: %v", ErrMalformed, err)
	}

	var recipient pairing.PeerID
	if aud, err := parsed.GetAudience(); err == nil && aud != "" {
		recipient, err = pairing.Parse(aud)
		if err != nil {
			return SignedMessage{}, fmt.Errorf("%w: audience: %v", ErrMalformed, err)
		}
	}

	kindRaw, err := parsed.GetString(claimKind)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	kind, err := ParseKind(kindRaw)
	if err != nil {
		return SignedMessage{}, err
	}

	id, err := parsed.GetJti()
	if err != nil || id == "" {
		return SignedMessage{}, fmt.Errorf("%w: missing jti", ErrMalformed)
	}

	var payload json.RawMessage
	if err := parsed.Get(claimPayload, &payload); err != nil {
		return SignedMessage{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	}

	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return NewSignedMessage(Header{
		Kind:      kind,
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		IssuedAt:  iat.UTC().Truncate(time.Second),
		ExpiresAt: exp.UTC().Truncate(time.Second),
		KeyID:     strings.ToLower(keyHex),
	}, payload, raw), nil
}

func sameMessage(a, b SignedMessage) bool {
	return a.Kind() == b.Kind() &&
		a.ID() == b.ID() &&
		a.Sender().Equal(b.Sender()) &&
		a.Recipient().Equal(b.Recipient()) &&
		strings.EqualFold(a.KeyID(), b.KeyID()) &&
		jsonEqual(a.payload, b.payload)
}

func jsonEqual(a, b []byte) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	xb, _ := json.Marshal(x)
	yb, _ := json.Marshal(y)
	return string(xb) == string(yb)
}

// NewVerifyingCodec builds a Codec that decodes and verifies messages but
// holds no signing key; Sign always fails.
func NewVerifyingCodec(v *PasetoVerifier, opts ...Option) *Codec {
	return NewCodec(verifyOnly{v}, v, opts...)
}

type verifyOnly struct{ *PasetoVerifier }

func (verifyOnly) Self() pairing.PeerID { return pairing.PeerID{} }

func (verifyOnly) Sign(kind Kind, _ []byte, _ pairing.PeerID, _ time.Time) (SignedMessage, error) {
	return SignedMessage{}, &SigningError{Kind: kind, Reason: "signing capability unavailable"}
}
