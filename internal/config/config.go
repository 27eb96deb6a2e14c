package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultPublicBaseURL     = "http://localhost:3000"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string

	HeartbeatInterval time.Duration
	PublicBaseURL     string

	// RedisAddr selects the Redis share marker store. Markers are kept in
	// memory when it is empty.
	RedisAddr       string
	RedisPassword   string
	ShareMarkerTTL  time.Duration
	ShareMemorySize int
}

type Option func(*Config)

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithPublicBaseURL(u string) Option {
	return func(c *Config) { c.PublicBaseURL = u }
}

func WithRedis(addr, password string) Option {
	return func(c *Config) {
		c.RedisAddr = addr
		c.RedisPassword = password
	}
}

func WithShareMarkers(ttl time.Duration, memorySize int) Option {
	return func(c *Config) {
		c.ShareMarkerTTL = ttl
		c.ShareMemorySize = memorySize
	}
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty key")
	}
	return key, nil
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string, opts ...Option) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	cfg := &Config{
		DatabaseDSN:       databaseDSN,
		ServerAddr:        serverAddr,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PublicBaseURL:     DefaultPublicBaseURL,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", cfg.HeartbeatInterval)
	}
	if u, err := url.Parse(cfg.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public base URL %q", cfg.PublicBaseURL)
	}
	if cfg.ShareMarkerTTL < 0 {
		return nil, fmt.Errorf("share marker TTL cannot be negative")
	}

	return cfg, nil
}
