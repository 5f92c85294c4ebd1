package message

import "time"

// Config controls message lifetimes and verification tolerance.
type Config struct {
	// TTL is how long a signed message stays valid after issuance.
	TTL time.Duration
	// ClockSkew is tolerated between peers during verification.
	ClockSkew time.Duration
}

// DefaultConfig returns conservative defaults for interactive pairing.
func DefaultConfig() Config {
	return Config{
		TTL:       5 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.ClockSkew < 0 {
		c.ClockSkew = 0
	}
	return c
}
