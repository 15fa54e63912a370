// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Engine constants (fee percent,
// auto-release window, arbitration threshold) live here and are passed into
// constructors so tests can vary them; nothing reads them as globals.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL            string
	ChainID           int64
	CustodyPrivateKey string // custody wallet key, hex, with or without 0x prefix
	CustodyAddress    string // address buyers fund; derived from the key at startup if empty
	TreasuryAddress   string // platform fee wallet
	USDCContract      string

	// Settlement policy
	FeePercent            int           // platform fee on released amounts
	AutoReleaseWindow     time.Duration // funded -> auto-release delay
	AutoResolveConfidence int           // AI arbitration auto-execute threshold (0-100)
	SweepInterval         time.Duration // auto-release sweep cadence

	// Funding verification
	VerifyMaxAttempts int           // chain lookups per fund call before rejecting
	VerifyBaseDelay   time.Duration // backoff base between lookups
	ConfirmTimeout    time.Duration // per-leg settlement confirmation timeout

	// Security
	AdminSecret string // shared secret for admin resolution endpoints

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty
}

// Base Sepolia defaults.
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"

	DefaultFeePercent            = 10
	DefaultAutoResolveConfidence = 85
	DefaultVerifyMaxAttempts     = 5
)

const (
	DefaultAutoReleaseWindow = 72 * time.Hour
	DefaultSweepInterval     = 30 * time.Second
	DefaultVerifyBaseDelay   = 2 * time.Second
	DefaultConfirmTimeout    = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		CustodyPrivateKey: os.Getenv("CUSTODY_PRIVATE_KEY"),
		CustodyAddress:    os.Getenv("CUSTODY_ADDRESS"),
		TreasuryAddress:   os.Getenv("TREASURY_ADDRESS"),
		USDCContract:      getEnv("USDC_CONTRACT", DefaultUSDCContract),

		FeePercent:            getEnvInt("FEE_PERCENT", DefaultFeePercent),
		AutoReleaseWindow:     getEnvDuration("AUTO_RELEASE_WINDOW", DefaultAutoReleaseWindow),
		AutoResolveConfidence: getEnvInt("AUTO_RESOLVE_CONFIDENCE", DefaultAutoResolveConfidence),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),

		VerifyMaxAttempts: getEnvInt("VERIFY_MAX_ATTEMPTS", DefaultVerifyMaxAttempts),
		VerifyBaseDelay:   getEnvDuration("VERIFY_BASE_DELAY", DefaultVerifyBaseDelay),
		ConfirmTimeout:    getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
func (c *Config) Validate() error {
	if c.CustodyPrivateKey == "" {
		return fmt.Errorf("CUSTODY_PRIVATE_KEY is required")
	}
	key := c.CustodyPrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("CUSTODY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.TreasuryAddress == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.FeePercent < 0 || c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}

	if c.AutoResolveConfidence < 0 || c.AutoResolveConfidence > 100 {
		return fmt.Errorf("AUTO_RESOLVE_CONFIDENCE must be between 0 and 100")
	}

	if c.AutoReleaseWindow <= 0 {
		return fmt.Errorf("AUTO_RELEASE_WINDOW must be positive")
	}

	if c.VerifyMaxAttempts <= 0 {
		return fmt.Errorf("VERIFY_MAX_ATTEMPTS must be positive")
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

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	return int(getEnvInt64(key, int64(defaultValue)))
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
