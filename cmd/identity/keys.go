package identity

import (
	"encoding/hex"
	"strings"

	"holder/cmd/internal/pairing"

	paseto "aidanwoods.dev/go-paseto"
)

// DIDMethod is the method used for DIDs derived directly from an Ed25519 public key.
const DIDMethod = "ed25519"

// Keys is the holder's signing identity.
// The zero value is an unprovisioned identity.
type Keys struct {
	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
	did    pairing.PeerID
}

// GenerateKeys creates a fresh key pair.
func GenerateKeys() Keys {
	k, _ := keysFromSecret(paseto.NewV4AsymmetricSecretKey(), pairing.PeerID{})
	return k
}

// KeysFromHex loads a key pair from a hex-encoded Ed25519 secret key.
// If did is non-empty it overrides the derived did:ed25519 identifier.
func KeysFromHex(secretHex, did string) (Keys, error) {
	secretHex = strings.TrimSpace(secretHex)
	if secretHex == "" {
		return Keys{}, OpError{Op: "identity.KeysFromHex", Kind: ErrNotProvisioned, Msg: "empty secret key"}
	}

	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(secretHex)
	if err != nil {
		return Keys{}, OpError{Op: "identity.KeysFromHex", Kind: ErrInvalidInput, Msg: "malformed secret key"}
	}

	var override pairing.PeerID
	if did = strings.TrimSpace(did); did != "" {
		override, err = pairing.Parse(did)
		if err != nil {
			return Keys{}, OpError{Op: "identity.KeysFromHex", Kind: ErrInvalidInput, Msg: err.Error()}
		}
	}
	return keysFromSecret(secret, override)
}

func keysFromSecret(secret paseto.V4AsymmetricSecretKey, override pairing.PeerID) (Keys, error) {
	public := secret.Public()

	did := override
	if did.IsZero() {
		derived, err := DIDForPublicKey(public)
		if err != nil {
			return Keys{}, err
		}
		did = derived
	}

	return Keys{secret: secret, public: public, did: did}, nil
}

// Provisioned reports whether the identity holds key material.
func (k Keys) Provisioned() bool { return !k.did.IsZero() }

// DID returns the identity's peer identifier.
func (k Keys) DID() pairing.PeerID { return k.did }

// Secret returns the signing key.
func (k Keys) Secret() paseto.V4AsymmetricSecretKey { return k.secret }

// Public returns the verification key.
func (k Keys) Public() paseto.V4AsymmetricPublicKey { return k.public }

// PublicKeyHex returns the hex-encoded verification key.
func (k Keys) PublicKeyHex() string {
	if !k.Provisioned() {
		return ""
	}
	return k.public.ExportHex()
}

// SecretKeyHex exports the secret key; used only to persist generated identities.
func (k Keys) SecretKeyHex() string {
	if !k.Provisioned() {
		return ""
	}
	return k.secret.ExportHex()
}

// DIDForPublicKey derives did:ed25519:<hex> from a verification key.
func DIDForPublicKey(public paseto.V4AsymmetricPublicKey) (pairing.PeerID, error) {
	return pairing.Parse("did:" + DIDMethod + ":" + public.ExportHex())
}

// PublicKeyFromDID extracts the verification key embedded in a did:ed25519 identifier.
// ok is false for DIDs of any other method.
func PublicKeyFromDID(did pairing.PeerID) (key paseto.V4AsymmetricPublicKey, ok bool, err error) {
	if did.Method() != DIDMethod {
		return paseto.V4AsymmetricPublicKey{}, false, nil
	}

	raw := did.MethodSpecificID()
	if _, err := hex.DecodeString(raw); err != nil {
		return paseto.V4AsymmetricPublicKey{}, true, OpError{Op: "identity.PublicKeyFromDID", Kind: ErrInvalidInput, Msg: "method-specific id is not hex"}
	}

	key, err = paseto.NewV4AsymmetricPublicKeyFromHex(raw)
	if err != nil {
		return paseto.V4AsymmetricPublicKey{}, true, OpError{Op: "identity.PublicKeyFromDID", Kind: ErrInvalidInput, Msg: "malformed public key"}
	}
	return key, true, nil
}
