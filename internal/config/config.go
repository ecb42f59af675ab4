// Package config loads memory-engine configuration from YAML, an optional
// .env file and MEMORY_ENGINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/memory-engine/internal/model"
)

// Config holds all memory-engine configuration.
type Config struct {
	Scope         string              `yaml:"scope"`
	Storage       StorageConfig       `yaml:"storage"`
	Governance    GovernanceConfig    `yaml:"governance"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Pack          PackConfig          `yaml:"pack"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// StorageConfig configures the SQLite database.
type StorageConfig struct {
	DBPath         string `yaml:"db_path"`
	LockStaleAfter string `yaml:"lock_stale_after"`
}

// GovernanceConfig configures receipt and token signing.
type GovernanceConfig struct {
	SecretPath string `yaml:"secret_path"`
	TokenTTL   string `yaml:"token_ttl"`
}

// ConsolidationConfig configures cell caps and decay archival.
type ConsolidationConfig struct {
	SceneCellCap         int `yaml:"scene_cell_cap"`
	ScopeCellCap         int `yaml:"scope_cell_cap"`
	DecayArchiveSalience int `yaml:"decay_archive_salience"`
}

// PackConfig holds context packer defaults.
type PackConfig struct {
	MaxCells       int `yaml:"max_cells"`
	MaxExperiences int `yaml:"max_experiences"`
	ByteBudget     int `yaml:"byte_budget"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultDir returns ~/.memory-engine, or the working directory when the
// home directory cannot be resolved.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memory-engine"
	}
	return filepath.Join(home, ".memory-engine")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	dir := DefaultDir()
	return &Config{
		Scope: model.DefaultScope,
		Storage: StorageConfig{
			DBPath:         filepath.Join(dir, "memory.db"),
			LockStaleAfter: "24h",
		},
		Governance: GovernanceConfig{
			SecretPath: filepath.Join(dir, "secret"),
			TokenTTL:   "1h",
		},
		Consolidation: ConsolidationConfig{
			SceneCellCap:         100,
			ScopeCellCap:         500,
			DecayArchiveSalience: 20,
		},
		Pack: PackConfig{
			MaxCells:       20,
			MaxExperiences: 10,
			ByteBudget:     8192,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from path into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMORY_ENGINE_DB"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("MEMORY_ENGINE_SECRET"); v != "" {
		c.Governance.SecretPath = v
	}
	if v := os.Getenv("MEMORY_ENGINE_SCOPE"); v != "" {
		c.Scope = v
	}
	if v := os.Getenv("MEMORY_ENGINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks durations, caps, budgets and the log level.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}
	if strings.TrimSpace(c.Governance.SecretPath) == "" {
		return errors.New("governance.secret_path is required")
	}
	for name, v := range map[string]string{
		"storage.lock_stale_after": c.Storage.LockStaleAfter,
		"governance.token_ttl":     c.Governance.TokenTTL,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	if c.Consolidation.SceneCellCap <= 0 || c.Consolidation.ScopeCellCap <= 0 {
		return fmt.Errorf("consolidation caps must be positive, got scene=%d scope=%d",
			c.Consolidation.SceneCellCap, c.Consolidation.ScopeCellCap)
	}
	if c.Consolidation.DecayArchiveSalience < model.MinSalience || c.Consolidation.DecayArchiveSalience > model.MaxSalience {
		return fmt.Errorf("consolidation.decay_archive_salience out of range: %d", c.Consolidation.DecayArchiveSalience)
	}
	if c.Pack.MaxCells < 0 || c.Pack.MaxExperiences < 0 || c.Pack.ByteBudget < 0 {
		return errors.New("pack limits must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// GetLockStaleAfter returns the lock staleness threshold as a duration.
func (c *Config) GetLockStaleAfter() time.Duration {
	d, err := time.ParseDuration(c.Storage.LockStaleAfter)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetTokenTTL returns the default capability token TTL as a duration.
func (c *Config) GetTokenTTL() time.Duration {
	d, err := time.ParseDuration(c.Governance.TokenTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

// GetLogLevel returns the configured zap level.
func (c *Config) GetLogLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return zapcore.WarnLevel
	}
	return lvl
}
