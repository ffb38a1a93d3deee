package config

import (
	"os"
	"strings"
)

const (
	EnvTelegramToken = "HOMEPI_TELEGRAM_TOKEN"
	EnvDBPath        = "HOMEPI_DB_PATH"
)

// applyEnv lets secrets and host-specific paths live outside the config file.
// Non-empty environment values win over file values.
func applyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDBPath)); v != "" {
		cfg.Storage.Path = v
	}
}
