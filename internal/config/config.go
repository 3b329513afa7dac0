// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ChainEndpoint is one monitored chain RPC endpoint.
type ChainEndpoint struct {
	ChainID uint64
	RPCURL  string
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Event feed settings
	Chains         []ChainEndpoint // monitored chains; empty disables the feed
	PollInterval   time.Duration
	ListenerOrigin string // logical identity the feed presents to the dispatcher

	// Dispatch settings
	CooldownPeriod time.Duration

	// Protocol economics
	ProtocolFeeBps int64
	FeeCollector   string

	// Observability
	OTLPEndpoint string // OTLP trace collector, empty disables export

	// Security
	AdminSecret    string // operator API secret
	ListenerSecret string // transport key for the remote signal-ingest path
	RateLimitRPS   int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPollInterval   = 15 * time.Second
	DefaultCooldownPeriod = time.Hour
	DefaultListenerOrigin = "feed-primary"
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	chains, err := parseChains(os.Getenv("CHAIN_RPCS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		Chains:         chains,
		PollInterval:   getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		ListenerOrigin: getEnv("LISTENER_ORIGIN", DefaultListenerOrigin),
		CooldownPeriod: getEnvDuration("COOLDOWN_PERIOD", DefaultCooldownPeriod),
		ProtocolFeeBps: getEnvInt64("PROTOCOL_FEE_BPS", 0),
		FeeCollector:   os.Getenv("FEE_COLLECTOR"),
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		ListenerSecret: os.Getenv("LISTENER_SECRET"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseChains parses CHAIN_RPCS, a comma-separated list of chainID=rpcURL
// pairs (e.g. "1=https://eth.example,8453=https://base.example").
func parseChains(raw string) ([]ChainEndpoint, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var chains []ChainEndpoint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, url, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("CHAIN_RPCS entry %q must be chainID=rpcURL", part)
		}
		chainID, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
		if err != nil || chainID == 0 {
			return nil, fmt.Errorf("CHAIN_RPCS entry %q has invalid chain ID", part)
		}
		url = strings.TrimSpace(url)
		if url == "" {
			return nil, fmt.Errorf("CHAIN_RPCS entry %q has empty RPC URL", part)
		}
		chains = append(chains, ChainEndpoint{ChainID: chainID, RPCURL: url})
	}
	return chains, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.CooldownPeriod <= 0 {
		return fmt.Errorf("COOLDOWN_PERIOD must be positive")
	}
	if c.ProtocolFeeBps < 0 || c.ProtocolFeeBps > 3000 {
		return fmt.Errorf("PROTOCOL_FEE_BPS must be between 0 and 3000")
	}
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.ListenerSecret == "" {
			return fmt.Errorf("LISTENER_SECRET is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
