// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Exchange API credentials. Credentials stored on a platform row in the
	// portfolio database take precedence over these env fallbacks.
	Exchanges map[string]ExchangeCredentials

	Backup BackupConfig
}

// ExchangeCredentials holds the API key material for one exchange account.
// Passphrase is only used by exchanges that require it (OKX, Bitget, KuCoin).
type ExchangeCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// BackupConfig holds S3-compatible backup settings. Backups are disabled
// unless Endpoint, Bucket and both key fields are set.
type BackupConfig struct {
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Enabled reports whether enough settings are present to run backups.
func (b BackupConfig) Enabled() bool {
	return b.Endpoint != "" && b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("PLUTUS_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("PLUTUS_PORT", 8001),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Exchanges: loadExchangeCredentials(),
		Backup: BackupConfig{
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	return cfg, nil
}

// loadExchangeCredentials reads per-exchange API keys from the environment,
// e.g. BYBIT_API_KEY / BYBIT_API_SECRET / OKX_API_PASSPHRASE.
func loadExchangeCredentials() map[string]ExchangeCredentials {
	names := []string{"bybit", "bitget", "bingx", "okx", "kucoin"}
	creds := make(map[string]ExchangeCredentials, len(names))
	for _, name := range names {
		prefix := toEnvPrefix(name)
		c := ExchangeCredentials{
			APIKey:     getEnv(prefix+"_API_KEY", ""),
			APISecret:  getEnv(prefix+"_API_SECRET", ""),
			Passphrase: getEnv(prefix+"_API_PASSPHRASE", ""),
		}
		if c.APIKey != "" || c.APISecret != "" {
			creds[name] = c
		}
	}
	return creds
}

func toEnvPrefix(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
