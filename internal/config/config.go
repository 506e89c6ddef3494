// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/WebSocket server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN for the message/token store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "chat-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "chat-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// JWTRefreshTTL is the refresh token lifetime (e.g. "168h" for 7d).
	JWTRefreshTTL string `mapstructure:"JWT_REFRESH_TTL"`
	// JWTClockSkew is the leeway allowed when checking token expiry (e.g. "5s").
	JWTClockSkew string `mapstructure:"JWT_CLOCK_SKEW"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses
	// (e.g. "localhost:9092"). When empty the server runs single-instance
	// with an in-process bridge.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// DeliveryKafkaTopic is the Kafka topic delivery events are fanned out on.
	DeliveryKafkaTopic string `mapstructure:"DELIVERY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for this server instance. Each
	// instance must use a distinct group so every instance sees every event;
	// when empty a unique per-process group is generated at startup.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// HeartbeatInterval is the time between client liveness pings (e.g. "20s").
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`
	// RevalidationInterval is the time between re-checking a live connection's
	// access token against the revocation set (e.g. "30s").
	RevalidationInterval string `mapstructure:"REVALIDATION_INTERVAL"`
	// QueueCapacity is the max buffered outbound events per connection before
	// the connection is forcibly closed.
	QueueCapacity int `mapstructure:"QUEUE_CAPACITY"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces/metrics (e.g.
	// http://localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "chat-auth")
	v.SetDefault("JWT_AUDIENCE", "chat-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("JWT_REFRESH_TTL", "168h") // 7d
	v.SetDefault("JWT_CLOCK_SKEW", "5s")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("DELIVERY_KAFKA_TOPIC", "chat-delivery")
	v.SetDefault("KAFKA_GROUP_ID", "")
	v.SetDefault("HEARTBEAT_INTERVAL", "20s")
	v.SetDefault("REVALIDATION_INTERVAL", "30s")
	v.SetDefault("QUEUE_CAPACITY", 256)
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.QueueCapacity <= 0 {
		return nil, errors.New("config: QUEUE_CAPACITY must be positive")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.JWTAccessTTL, 15*time.Minute)
}

// RefreshTTL parses JWTRefreshTTL as a time.Duration. Returns 168h if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.JWTRefreshTTL, 168*time.Hour)
}

// ClockSkew parses JWTClockSkew as a time.Duration. Returns 5s if unset or invalid.
func (c *Config) ClockSkew() time.Duration {
	return parseDuration(c.JWTClockSkew, 5*time.Second)
}

// Heartbeat parses HeartbeatInterval. Returns 20s if unset or invalid.
func (c *Config) Heartbeat() time.Duration {
	return parseDuration(c.HeartbeatInterval, 20*time.Second)
}

// Revalidation parses RevalidationInterval. Returns 30s if unset or invalid.
func (c *Config) Revalidation() time.Duration {
	return parseDuration(c.RevalidationInterval, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the Kafka bridge is enabled (non-empty list) and to create it.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
