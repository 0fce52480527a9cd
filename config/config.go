// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds everything the service needs at startup.
type Config struct {
	// Binance API credentials
	APIKey    string
	APISecret string
	Testnet   bool

	// Shared secret checked against the "auth" field of incoming signals.
	AuthToken string

	// HTTP listen address for the webhook server.
	ListenAddr string

	// Path of the append-only trade audit log.
	AuditPath string

	// Optional JSON file overriding the built-in precision tables.
	PrecisionTablePath string
}

// Load reads configuration from a .env file (if present) and the process
// environment. API credentials and the auth token are required.
func Load() (Config, error) {
	// A missing .env file is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := Config{
		APIKey:             strings.TrimSpace(os.Getenv("API_KEY")),
		APISecret:          strings.TrimSpace(os.Getenv("API_SECRET")),
		AuthToken:          strings.TrimSpace(os.Getenv("AUTH_TOKEN")),
		ListenAddr:         ":5050",
		AuditPath:          "trades.jsonl",
		PrecisionTablePath: os.Getenv("PRECISION_TABLE_FILE"),
	}

	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return Config{}, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.ListenAddr = ":" + port
	}
	if path := os.Getenv("AUDIT_LOG_PATH"); path != "" {
		cfg.AuditPath = path
	}
	if testnet := os.Getenv("BINANCE_TESTNET"); testnet != "" {
		cfg.Testnet = testnet == "true" || testnet == "1"
	}

	if cfg.APIKey == "" || cfg.APISecret == "" {
		return Config{}, fmt.Errorf("API_KEY and API_SECRET must be set")
	}
	if cfg.AuthToken == "" {
		return Config{}, fmt.Errorf("AUTH_TOKEN must be set")
	}

	return cfg, nil
}
