package config

import (
	"os"
	"strings"
)

// Environment variables that fill secrets left empty in the file.
const (
	EnvBotToken    = "BOT_TOKEN"
	EnvDatabaseURL = "DATABASE_URL"
	EnvAMQPURL     = "AMQP_URL"
)

// ApplyEnv fills empty secret fields from the environment. A DATABASE_URL
// without a configured storage section selects postgres.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = strings.TrimSpace(os.Getenv(EnvBotToken))
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); dsn != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.DSN == "" && cfg.Storage.Driver == "postgres" {
			cfg.Storage.DSN = dsn
		}
	}
	if strings.TrimSpace(cfg.Events.URL) == "" {
		cfg.Events.URL = strings.TrimSpace(os.Getenv(EnvAMQPURL))
	}
}
