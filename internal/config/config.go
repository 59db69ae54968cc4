package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service feed kinds.
const (
	FeedPostgres = "postgres"
	FeedKafka    = "kafka"
	FeedNone     = "none"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	// MLLPHost is the interface connector ports are bound on.
	MLLPHost            string        `mapstructure:"MLLP_HOST"`
	MLLPReadTimeout     time.Duration `mapstructure:"MLLP_READ_TIMEOUT"`
	MLLPShutdownTimeout time.Duration `mapstructure:"MLLP_SHUTDOWN_TIMEOUT"`

	// LocalSystemName names this system in reconciliation notes, e.g.
	// "Order placed outside OpenVPMS".
	LocalSystemName string `mapstructure:"LOCAL_SYSTEM_NAME"`

	ServiceFeed           string        `mapstructure:"SERVICE_FEED"`
	ServiceRescanInterval time.Duration `mapstructure:"SERVICE_RESCAN_INTERVAL"`
	KafkaBrokers          []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic            string        `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID          string        `mapstructure:"KAFKA_GROUP_ID"`

	DirectoryCacheTTL time.Duration `mapstructure:"DIRECTORY_CACHE_TTL"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"MIGRATIONS_DIR",
	"MLLP_HOST", "MLLP_READ_TIMEOUT", "MLLP_SHUTDOWN_TIMEOUT",
	"LOCAL_SYSTEM_NAME",
	"SERVICE_FEED", "SERVICE_RESCAN_INTERVAL", "KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"DIRECTORY_CACHE_TTL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("MLLP_HOST", "0.0.0.0")
	v.SetDefault("MLLP_READ_TIMEOUT", "0s")
	v.SetDefault("MLLP_SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("LOCAL_SYSTEM_NAME", "OpenVPMS")
	v.SetDefault("SERVICE_FEED", FeedPostgres)
	v.SetDefault("SERVICE_RESCAN_INTERVAL", "5m")
	v.SetDefault("KAFKA_TOPIC", "hl7hub.services")
	v.SetDefault("KAFKA_GROUP_ID", "hl7hub")
	v.SetDefault("DIRECTORY_CACHE_TTL", "1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// splitList normalizes comma separated values that arrive as one element.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	switch c.ServiceFeed {
	case FeedPostgres, FeedNone:
	case FeedKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when SERVICE_FEED is %q", FeedKafka)
		}
		if c.KafkaTopic == "" {
			return fmt.Errorf("KAFKA_TOPIC is required when SERVICE_FEED is %q", FeedKafka)
		}
	default:
		return fmt.Errorf("SERVICE_FEED must be %q, %q or %q, got %q", FeedPostgres, FeedKafka, FeedNone, c.ServiceFeed)
	}

	if c.LocalSystemName == "" {
		return fmt.Errorf("LOCAL_SYSTEM_NAME must not be empty")
	}
	if c.MLLPReadTimeout < 0 || c.MLLPShutdownTimeout < 0 {
		return fmt.Errorf("MLLP timeouts must not be negative")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
