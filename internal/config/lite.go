// Package config provides configuration management for the KFRE servers.
// This file contains the lightweight configuration for the stdio MCP binary.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// LiteConfig is a simplified configuration for standalone operation.
// It reads environment variables only and needs no config file.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for the audit database and reports

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Default cache TTL

	// Engine settings
	MaleToken   string // Sex label read as male, case-insensitive
	FemaleToken string // Sex label read as female by uACR estimation, exact
	Workers     int    // Batch worker count

	// Audit
	AuditEnabled bool

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".kfre")

	return &LiteConfig{
		DataDir:       dataDir,
		CacheMaxItems: 1000,
		CacheTTL:      time.Hour,
		MaleToken:     "male",
		FemaleToken:   "female",
		Workers:       runtime.NumCPU(),
		AuditEnabled:  true,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	// Data directory
	if v := os.Getenv("KFRE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Cache settings
	if v := os.Getenv("KFRE_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("KFRE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	// Engine
	if v := os.Getenv("KFRE_MALE_TOKEN"); v != "" {
		cfg.MaleToken = v
	}
	if v := os.Getenv("KFRE_FEMALE_TOKEN"); v != "" {
		cfg.FemaleToken = v
	}
	if v := os.Getenv("KFRE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}

	// Audit
	if v := os.Getenv("KFRE_AUDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AuditEnabled = b
		}
	}

	// Logging
	if v := os.Getenv("KFRE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("KFRE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// AuditDBPath returns the path to the audit SQLite database.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ReportDir returns the directory for HTML reports.
func (c *LiteConfig) ReportDir() string {
	return filepath.Join(c.DataDir, "reports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ReportDir(), 0755)
}
