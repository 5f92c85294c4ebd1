package relay

import "time"

// Config tunes the websocket transport. Field tags are read by
// github.com/caarlos0/env when the host embeds Config with a prefix.
type Config struct {
	URL    string `env:"URL" envDefault:"ws://127.0.0.1:8090/relay"`
	Origin string `env:"ORIGIN" envDefault:"http://localhost"`

	DialTimeout    time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	// ReconnectMaxElapsed bounds one dial attempt sequence (backoff included).
	ReconnectMaxElapsed time.Duration `env:"RECONNECT_MAX_ELAPSED" envDefault:"30s"`

	SendQueue int   `env:"SEND_QUEUE" envDefault:"64"`
	InboxSize int   `env:"INBOX_SIZE" envDefault:"64"`
	ReadLimit int64 `env:"READ_LIMIT" envDefault:"1048576"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		URL:                 "ws://127.0.0.1:8090/relay",
		Origin:              "http://localhost",
		DialTimeout:         5 * time.Second,
		RequestTimeout:      10 * time.Second,
		WriteTimeout:        5 * time.Second,
		HeartbeatInterval:   25 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		ReconnectMaxElapsed: 30 * time.Second,
		SendQueue:           64,
		InboxSize:           64,
		ReadLimit:           1 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.ReconnectMaxElapsed <= 0 {
		c.ReconnectMaxElapsed = def.ReconnectMaxElapsed
	}
	if c.SendQueue < 8 {
		c.SendQueue = def.SendQueue
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}
