package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all flowgrid daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
	HTTPTimeout     string `json:"http_timeout"`
	MaxResponseBody int64  `json:"max_response_body"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(flowgridDir(), "flowgrid.db"),
		LogLevel: "info",
	}
}

func flowgridDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowgrid"
	}
	return filepath.Join(home, ".flowgrid")
}

func settingsPath() string {
	return filepath.Join(flowgridDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWGRID_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWGRID_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWGRID_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("FLOWGRID_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("FLOWGRID_HTTP_TIMEOUT"); v != "" {
		cfg.HTTPTimeout = v
	}
	if v := os.Getenv("FLOWGRID_MAX_RESPONSE_BODY"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxResponseBody = n
		}
	}

	return cfg
}
