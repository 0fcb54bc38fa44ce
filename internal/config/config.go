package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded once from the environment
// and passed into every component constructor.
type Config struct {
	Port              int
	StoragePath       string
	MaxSessions       int
	AllowedOperators  []string // empty means allow all
	OutputMaxChars    int
	OutputFlush       time.Duration
	PermissionTimeout time.Duration
	StripANSI         bool
	PollTimeout       time.Duration
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:              8420,
		StoragePath:       "./warden_data",
		MaxSessions:       10,
		OutputMaxChars:    3500,
		OutputFlush:       200 * time.Millisecond,
		PermissionTimeout: 300 * time.Second,
		StripANSI:         true,
		PollTimeout:       100 * time.Millisecond,
	}
}

// FromEnv loads configuration from environment variables, falling back to
// defaults for anything unset or unparseable.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("ALLOWED_OPERATOR_IDS"); v != "" {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.AllowedOperators = append(cfg.AllowedOperators, id)
			}
		}
	}
	if v := os.Getenv("OUTPUT_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutputMaxChars = n
		}
	}
	if v := os.Getenv("OUTPUT_FLUSH_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.OutputFlush = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PERMISSION_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PermissionTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("STRIP_ANSI"); v != "" {
		cfg.StripANSI = strings.EqualFold(v, "true")
	}

	return cfg
}

// OperatorAllowed reports whether an operator id may issue commands.
// An empty allow list admits everyone.
func (c Config) OperatorAllowed(id string) bool {
	if len(c.AllowedOperators) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOperators {
		if allowed == id {
			return true
		}
	}
	return false
}
