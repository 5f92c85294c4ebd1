package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"holder/cmd/internal/pairing"
	"holder/cmd/internal/relay"

	"github.com/caarlos0/env/v11"
)

// ErrConfig marks invalid holder configuration.
var ErrConfig = errors.New("app: invalid config")

// Config contains all runtime configuration loaded from HOLDER_* variables.
type Config struct {
	LogLevel  string `env:"HOLDER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"HOLDER_LOG_FORMAT" envDefault:"json"`

	// MetricsAddr enables the /healthz, /readyz and /metrics listener.
	MetricsAddr       string        `env:"HOLDER_METRICS_ADDR"`
	ReadHeaderTimeout time.Duration `env:"HOLDER_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HOLDER_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HOLDER_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HOLDER_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HOLDER_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// SecretKeyHex is the Ed25519 identity key. Empty generates an ephemeral
	// identity unless RequireKeys is set.
	SecretKeyHex string `env:"HOLDER_SECRET_KEY_HEX"`
	// DID overrides the did:key derived from the secret key.
	DID         pairing.PeerID `env:"HOLDER_DID"`
	RequireKeys bool           `env:"HOLDER_REQUIRE_KEYS" envDefault:"false"`
	Device      string         `env:"HOLDER_DEVICE" envDefault:"holder-cli"`

	MessageTTL time.Duration `env:"HOLDER_MESSAGE_TTL" envDefault:"5m"`
	ClockSkew  time.Duration `env:"HOLDER_CLOCK_SKEW" envDefault:"30s"`

	// FlagsPath is the SQLite file for local flags; ":memory:" keeps them in memory.
	FlagsPath string `env:"HOLDER_FLAGS_PATH" envDefault:"holder-flags.db"`

	DatabaseURL    string `env:"HOLDER_DATABASE_URL"`
	DatabaseSchema string `env:"HOLDER_DATABASE_SCHEMA" envDefault:"holder"`
	DBMaxConns     int32  `env:"HOLDER_DB_MAX_CONNS" envDefault:"4"`
	DBMinConns     int32  `env:"HOLDER_DB_MIN_CONNS" envDefault:"0"`

	// ActivateTimeout bounds the activation run at startup.
	ActivateTimeout time.Duration `env:"HOLDER_ACTIVATE_TIMEOUT" envDefault:"30s"`

	Relay relay.Config `envPrefix:"HOLDER_RELAY_"`
}

// LoadConfig parses HOLDER_* variables and validates the result.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse env: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values the runtime cannot recover from.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("%w: HOLDER_LOG_FORMAT must be json or pretty", ErrConfig)
	}
	if c.RequireKeys && strings.TrimSpace(c.SecretKeyHex) == "" {
		return fmt.Errorf("%w: HOLDER_REQUIRE_KEYS=true but HOLDER_SECRET_KEY_HEX is missing", ErrConfig)
	}
	if c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("%w: db pool bounds", ErrConfig)
	}
	if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		return fmt.Errorf("%w: HOLDER_RELAY_URL must be a ws:// or wss:// URL", ErrConfig)
	}
	return nil
}
