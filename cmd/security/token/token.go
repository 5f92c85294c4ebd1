package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// SessionTokenBytes is the entropy of a minted session token.
const SessionTokenBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// NewSessionToken returns a fresh URL-safe bearer token.
func NewSessionToken() (string, error) {
	b := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hasher digests session tokens for storage and lookup.
type Hasher struct {
	key []byte
}

// NewHasher builds a Hasher. An empty key selects dev mode (plain SHA-256)
// unless require is set, in which case ErrHMACKeyMissing is returned.
// Non-empty keys shorter than minBytes are rejected.
func NewHasher(key string, minBytes int, require bool) (*Hasher, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		if require {
			return nil, ErrHMACKeyMissing
		}
		return &Hasher{}, nil
	}
	if minBytes > 0 && len(key) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &Hasher{key: []byte(key)}, nil
}

// HMAC reports whether the hasher is keyed.
func (h *Hasher) HMAC() bool { return h != nil && len(h.key) > 0 }

// Hash returns the hex digest of tok.
func (h *Hasher) Hash(tok string) string {
	if !h.HMAC() {
		return HashSHA256Hex(tok)
	}
	return HashHMACSHA256Hex(tok, h.key)
}
