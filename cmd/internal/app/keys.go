package app

import (
	"fmt"
	"strings"

	"holder/cmd/identity"
)

// LoadKeys returns the configured signing identity.
//
// Without HOLDER_SECRET_KEY_HEX an ephemeral identity is generated and
// ephemeral is true; HOLDER_REQUIRE_KEYS turns that case into an error.
// Key material never appears in returned errors.
func LoadKeys(cfg Config) (keys identity.Keys, ephemeral bool, err error) {
	if strings.TrimSpace(cfg.SecretKeyHex) == "" {
		if cfg.RequireKeys {
			return identity.Keys{}, false, fmt.Errorf("%w: HOLDER_REQUIRE_KEYS=true but HOLDER_SECRET_KEY_HEX is missing", ErrConfig)
		}
		return identity.GenerateKeys(), true, nil
	}

	keys, err = identity.KeysFromHex(cfg.SecretKeyHex, cfg.DID.String())
	if err != nil {
		return identity.Keys{}, false, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return keys, false, nil
}
