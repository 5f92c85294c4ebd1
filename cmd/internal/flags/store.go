// Package flags persists the holder's local boolean flags ("has onboarded
// before"). It is not part of the session protocol.
package flags

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// KeyOnboarded is set after the first successful activation.
const KeyOnboarded = "onboarded"

// ErrInvalidKey is returned for empty or malformed flag keys.
var ErrInvalidKey = errors.New("flags: invalid key")

// Store reads and writes boolean flags by key. A flag never written reads as false.
type Store interface {
	Get(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, value bool) error
	Close() error
}

var keyRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

func normalizeKey(key string) (string, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if !keyRE.MatchString(key) {
		return "", ErrInvalidKey
	}
	return key, nil
}
