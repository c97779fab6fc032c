// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Identity authority
	IdentityAuthorityURL string // base URL of the identity authority (optional, uses in-memory if not set)
	IdentityAPIKey       string

	// Audit trail
	AuditLogDir string // directory for JSONL audit files ("" disables the file sink)

	// Tracing
	OTLPEndpoint string // OTLP gRPC collector address ("" disables tracing)

	// Policy gate
	GateMode      string // "alternate" flips the verdict on each consult; "allow" or "block" are static
	GateStateFile string // JSON file backing the alternating gate ("" keeps it in memory)

	// Monitoring thresholds. The defaults are deliberately aggressive,
	// tuned for a controlled environment; production deployments
	// override them.
	CommFrequencyThreshold int           // messages per window before a source is suspicious
	CommPayloadByteLimit   int           // serialized payload size limit
	CommWindow             time.Duration // sliding window for inter-agent messages
	RevocationThreshold    int           // suspicion events before identity revocation
	ActivityThreshold      int           // suspicious activities before a monitored agent is revoked
	HighFrequencyThreshold int           // per-minute activity count before suspicion
	LargeAmountThreshold   float64       // single-activity amount before suspicion

	// Revocation dispatch
	RevokeMaxAttempts int
	RevokeBaseDelay   time.Duration
}

// Defaults used when the corresponding variable is unset.
const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "text"
	DefaultGateMode               = "alternate"
	DefaultCommFrequencyThreshold = 5
	DefaultCommPayloadByteLimit   = 500000
	DefaultCommWindowSeconds      = 60
	DefaultRevocationThreshold    = 1
	DefaultActivityThreshold      = 1
	DefaultHighFrequency          = 5
	DefaultLargeAmount            = 50000
	DefaultRevokeMaxAttempts      = 3
	DefaultRevokeBaseDelay        = 200 * time.Millisecond
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		IdentityAuthorityURL: os.Getenv("IDENTITY_AUTHORITY_URL"),
		IdentityAPIKey:       os.Getenv("IDENTITY_API_KEY"),
		AuditLogDir:          os.Getenv("AUDIT_LOG_DIR"),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		GateMode:             getEnv("GATE_MODE", DefaultGateMode),
		GateStateFile:        os.Getenv("GATE_STATE_FILE"),

		CommFrequencyThreshold: getEnvInt("COMM_FREQUENCY_THRESHOLD", DefaultCommFrequencyThreshold),
		CommPayloadByteLimit:   getEnvInt("COMM_PAYLOAD_BYTE_LIMIT", DefaultCommPayloadByteLimit),
		CommWindow:             time.Duration(getEnvInt("COMM_WINDOW_SECONDS", DefaultCommWindowSeconds)) * time.Second,
		RevocationThreshold:    getEnvInt("REVOCATION_THRESHOLD", DefaultRevocationThreshold),
		ActivityThreshold:      getEnvInt("ACTIVITY_THRESHOLD", DefaultActivityThreshold),
		HighFrequencyThreshold: getEnvInt("HIGH_FREQUENCY_THRESHOLD", DefaultHighFrequency),
		LargeAmountThreshold:   getEnvFloat("LARGE_AMOUNT_THRESHOLD", DefaultLargeAmount),

		RevokeMaxAttempts: getEnvInt("REVOKE_MAX_ATTEMPTS", DefaultRevokeMaxAttempts),
		RevokeBaseDelay:   DefaultRevokeBaseDelay,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.CommFrequencyThreshold <= 0 {
		return fmt.Errorf("COMM_FREQUENCY_THRESHOLD must be positive")
	}
	if c.CommPayloadByteLimit <= 0 {
		return fmt.Errorf("COMM_PAYLOAD_BYTE_LIMIT must be positive")
	}
	if c.CommWindow <= 0 {
		return fmt.Errorf("COMM_WINDOW_SECONDS must be positive")
	}
	if c.RevocationThreshold <= 0 {
		return fmt.Errorf("REVOCATION_THRESHOLD must be positive")
	}
	if c.ActivityThreshold <= 0 {
		return fmt.Errorf("ACTIVITY_THRESHOLD must be positive")
	}
	switch c.GateMode {
	case "alternate", "allow", "block":
	default:
		return fmt.Errorf("GATE_MODE must be one of alternate, allow, block; got %q", c.GateMode)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
