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

// TokenConfig describes an ERC-20 token supported on a network.
type TokenConfig struct {
	Address  string
	Symbol   string
	Decimals int
	Name     string
}

// NetworkConfig holds per-network blockchain settings. The implementation
// contract doubles as the EIP-712 verifying contract.
type NetworkConfig struct {
	Name                   string
	ChainID                int64
	RPCURL                 string
	ExplorerURL            string
	ImplementationContract string
	BatchExecutorContract  string
	VaultContract          string
	RouterWhitelist        []string
	TargetWhitelist        []string
	Tokens                 []TokenConfig
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// HTTP
	AllowedOrigins []string
	RateLimitRPM   int

	// Facilitator
	FacilitatorKey     string        // Hex-encoded private key, with or without 0x prefix
	PrepareTTL         time.Duration // Lifetime of a prepared request before expiry
	SponsorDailyGasWei string        // Max gas the facilitator sponsors per signer per day, in wei
	LowBalanceWei      string        // Facilitator balance below this reports degraded health

	// Observability
	OTLPEndpoint string

	// Networks the facilitator settles on
	Networks []NetworkConfig
}

// BSC testnet defaults
const (
	DefaultNetworkName   = "bsc-testnet"
	DefaultChainID       = 97
	DefaultRPCURL        = "https://bsc-testnet-rpc.publicnode.com"
	DefaultExplorerURL   = "https://testnet.bscscan.com"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimitRPM  = 120
	DefaultPrepareTTL    = 5 * time.Minute
	DefaultSponsorDaily  = "1000000000000000000"                        // 1 BNB per signer per day
	DefaultLowBalanceWei = "50000000000000000"                          // 0.05 BNB
	DefaultUSDTContract  = "0x337610d27c682e347c9cd60bd4b3b107c9d34ddd" // BSC testnet USDT
	DefaultWBNBContract  = "0xae13d989dac2f0debff460ac112a837c89baa7cd" // BSC testnet WBNB
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	network := NetworkConfig{
		Name:                   getEnv("NETWORK_NAME", DefaultNetworkName),
		ChainID:                getEnvInt64("CHAIN_ID", DefaultChainID),
		RPCURL:                 getEnv("RPC_URL", DefaultRPCURL),
		ExplorerURL:            getEnv("EXPLORER_URL", DefaultExplorerURL),
		ImplementationContract: strings.ToLower(os.Getenv("Q402_IMPLEMENTATION")),
		BatchExecutorContract:  strings.ToLower(os.Getenv("Q402_BATCH_EXECUTOR")),
		VaultContract:          strings.ToLower(os.Getenv("Q402_VAULT")),
		RouterWhitelist:        getEnvList("ROUTER_WHITELIST"),
		TargetWhitelist:        getEnvList("TARGET_WHITELIST"),
		Tokens: []TokenConfig{
			{Address: DefaultUSDTContract, Symbol: "USDT", Decimals: 18, Name: "Tether USD"},
			{Address: DefaultWBNBContract, Symbol: "WBNB", Decimals: 18, Name: "Wrapped BNB"},
		},
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		FacilitatorKey:     os.Getenv("FACILITATOR_KEY"), // Optional; execution disabled without it
		PrepareTTL:         getEnvDuration("PREPARE_TTL", DefaultPrepareTTL),
		SponsorDailyGasWei: getEnv("SPONSOR_DAILY_GAS_WEI", DefaultSponsorDaily),
		LowBalanceWei:      getEnv("LOW_BALANCE_WEI", DefaultLowBalanceWei),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Networks:           []NetworkConfig{network},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and well-formed.
// The facilitator key is optional (verify-only mode); when present it must be
// a 32-byte hex key.
func (c *Config) Validate() error {
	if key := c.FacilitatorKey; key != "" {
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("FACILITATOR_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if len(c.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	for _, n := range c.Networks {
		if n.RPCURL == "" {
			return fmt.Errorf("network %s: RPC_URL is required", n.Name)
		}
		if n.ChainID <= 0 {
			return fmt.Errorf("network %s: CHAIN_ID must be positive", n.Name)
		}
	}

	if c.PrepareTTL <= 0 {
		return fmt.Errorf("PREPARE_TTL must be positive")
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

// getEnvList parses a comma-separated env var into a trimmed, lower-cased slice.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}
