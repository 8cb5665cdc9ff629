// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage and transport (optional, in-memory / disabled if not set)
	DatabaseURL  string
	RedisURL     string
	OTLPEndpoint string

	// Registry
	EscrowAuthority string // arbitration account shared by every escrow
	FactoryAddress  string
	BondBps         int64
	DisputeFeeBps   int64

	// Background workers
	KeeperAddress     string
	SettlerInterval   time.Duration
	ReconcileInterval time.Duration

	RateLimitRPM int
	AdminSecret  string // X-Admin-Secret value; admin routes disabled if unset

	// On-chain deposits (watcher disabled if EthRPCURL not set)
	EthRPCURL            string
	DepositAddress       string
	DepositConfirmations int64
	DepositPollInterval  time.Duration
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultFactoryAddress    = "0x00000000000000000000000000000000000f4c70"
	DefaultKeeperAddress     = "0x000000000000000000000000000000000000cee9"
	DefaultBondBps           = 5000
	// DefaultDisputeFeeBps keeps the fee at half the bond. A winning raiser
	// claims bond plus fee, which is 3x the fee at this default and 2x the
	// fee only when DISPUTE_FEE_BPS equals BOND_BPS.
	DefaultDisputeFeeBps     = 2500
	DefaultSettlerInterval   = 30 * time.Second
	DefaultReconcileInterval = 5 * time.Minute
	DefaultRateLimitRPM      = 120
	DefaultConfirmations     = 3
	DefaultDepositPoll       = 15 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		EscrowAuthority:   os.Getenv("ESCROW_AUTHORITY"), // required, no default
		FactoryAddress:    getEnv("FACTORY_ADDRESS", DefaultFactoryAddress),
		BondBps:           getEnvInt64("BOND_BPS", DefaultBondBps),
		DisputeFeeBps:     getEnvInt64("DISPUTE_FEE_BPS", DefaultDisputeFeeBps),
		KeeperAddress:     getEnv("KEEPER_ADDRESS", DefaultKeeperAddress),
		SettlerInterval:   getEnvDuration("SETTLER_INTERVAL", DefaultSettlerInterval),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),

		EthRPCURL:            os.Getenv("ETH_RPC_URL"),
		DepositAddress:       os.Getenv("DEPOSIT_ADDRESS"),
		DepositConfirmations: getEnvInt64("DEPOSIT_CONFIRMATIONS", DefaultConfirmations),
		DepositPollInterval:  getEnvDuration("DEPOSIT_POLL_INTERVAL", DefaultDepositPoll),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.EscrowAuthority == "" {
		return fmt.Errorf("ESCROW_AUTHORITY is required")
	}
	for name, v := range map[string]string{
		"ESCROW_AUTHORITY": c.EscrowAuthority,
		"FACTORY_ADDRESS":  c.FactoryAddress,
		"KEEPER_ADDRESS":   c.KeeperAddress,
	} {
		if !common.IsHexAddress(v) {
			return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
		}
	}
	if strings.EqualFold(c.EscrowAuthority, c.FactoryAddress) {
		return fmt.Errorf("ESCROW_AUTHORITY must differ from FACTORY_ADDRESS")
	}
	if c.BondBps <= 0 || c.BondBps > 10000 {
		return fmt.Errorf("BOND_BPS must be between 1 and 10000")
	}
	if c.DisputeFeeBps <= 0 || c.DisputeFeeBps > 10000 {
		return fmt.Errorf("DISPUTE_FEE_BPS must be between 1 and 10000")
	}
	if c.AdminSecret != "" && len(c.AdminSecret) < 16 {
		return fmt.Errorf("ADMIN_SECRET must be at least 16 characters")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.EthRPCURL != "" {
		if !common.IsHexAddress(c.DepositAddress) {
			return fmt.Errorf("DEPOSIT_ADDRESS must be a 0x-prefixed 20-byte hex address when ETH_RPC_URL is set")
		}
		if c.DepositConfirmations < 0 {
			return fmt.Errorf("DEPOSIT_CONFIRMATIONS must not be negative")
		}
	}
	return nil
}

// Authority returns the parsed escrow authority address.
func (c *Config) Authority() common.Address {
	return common.HexToAddress(c.EscrowAuthority)
}

// Factory returns the parsed registry address.
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.FactoryAddress)
}

// Keeper returns the parsed settlement keeper address.
func (c *Config) Keeper() common.Address {
	return common.HexToAddress(c.KeeperAddress)
}

// Deposit returns the parsed on-chain deposit address.
func (c *Config) Deposit() common.Address {
	return common.HexToAddress(c.DepositAddress)
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
