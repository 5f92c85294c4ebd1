package relayd

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrConfig marks invalid relay configuration.
var ErrConfig = errors.New("relayd: invalid config")

// Config controls the relay. Every field maps to a RELAYD_* variable.
type Config struct {
	Addr string `env:"RELAYD_ADDR" envDefault:":8090"`
	Path string `env:"RELAYD_PATH" envDefault:"/relay"`

	// DevInsecure disables websocket.Accept's own origin verification.
	DevInsecure    bool     `env:"RELAYD_DEV_INSECURE" envDefault:"false"`
	OriginRequired bool     `env:"RELAYD_ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"RELAYD_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`

	WriteTimeout    time.Duration `env:"RELAYD_WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"RELAYD_READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueue       int           `env:"RELAYD_SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"RELAYD_HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"RELAYD_HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"RELAYD_RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"RELAYD_RATE_WINDOW" envDefault:"10s"`

	SessionTTL time.Duration `env:"RELAYD_SESSION_TTL" envDefault:"1h"`

	TokenHMACKey     string `env:"RELAYD_TOKEN_HMAC_KEY"`
	RequireTokenHMAC bool   `env:"RELAYD_REQUIRE_TOKEN_HMAC" envDefault:"false"`

	MessageClockSkew time.Duration `env:"RELAYD_MESSAGE_CLOCK_SKEW" envDefault:"30s"`

	LogLevel  string `env:"RELAYD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"RELAYD_LOG_FORMAT" envDefault:"json"`
}

// DefaultConfig returns the envDefault values.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8090",
		Path:              "/relay",
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueue:         256,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
		SessionTTL:        time.Hour,
		MessageClockSkew:  30 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// LoadConfigFromEnv parses RELAYD_* variables and validates the result.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse env: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the gateway relies on.
func (c Config) Validate() error {
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("%w: path must start with /", ErrConfig)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: session ttl must be positive", ErrConfig)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: heartbeat interval/timeout must be positive", ErrConfig)
	}
	if c.RequireTokenHMAC && len(c.TokenHMACKey) < minTokenHMACKeyBytes {
		return fmt.Errorf("%w: RELAYD_TOKEN_HMAC_KEY must be at least %d bytes", ErrConfig, minTokenHMACKeyBytes)
	}
	return nil
}
