package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// config controls the CLI. Values come from config.yaml in the ragchat
// config directory, with RAGCHAT_* environment variables taking precedence.
type config struct {
	BaseURL  string `yaml:"baseURL" env:"RAGCHAT_BASE_URL"`
	LogLevel string `yaml:"logLevel" env:"RAGCHAT_LOG_LEVEL"`
	PageSize int    `yaml:"pageSize" env:"RAGCHAT_PAGE_SIZE"`
}

func defaultConfig() config {
	return config{
		BaseURL:  "http://localhost:8000",
		LogLevel: "info",
		PageSize: 50,
	}
}

func configDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}

	path := filepath.Join(dir, "ragchat")
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return path, nil
}

// loadConfig reads config.yaml if present, applies environment overrides,
// and validates the result. A missing config file is not an error; the
// defaults cover it.
func loadConfig(dir string) (config, error) {
	cfg := defaultConfig()

	cfgFile, err := os.Open(filepath.Join(dir, "config.yaml"))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("error parsing environment: %w", err)
	}

	if cfg.BaseURL == "" {
		return config{}, fmt.Errorf("baseURL is required")
	}
	if cfg.PageSize <= 0 {
		return config{}, fmt.Errorf("pageSize must be positive")
	}
	return cfg, nil
}
