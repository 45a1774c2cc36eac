// Package config loads the engine's YAML configuration file, adapted
// from agentwarden/internal/config.Config's yaml-tagged struct +
// DefaultConfig pattern, trimmed to the sections the engine actually
// needs.
package config

import "time"

// Config is the top-level engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Policy  PolicyConfig  `yaml:"policy"`
	Auth    AuthConfig    `yaml:"auth"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig controls the HTTP evaluation surface.
type ServerConfig struct {
	Addr     string `yaml:"addr"`
	CORS     bool   `yaml:"cors"`
	FailMode string `yaml:"fail_mode"` // "closed" (default) or "open"; not read: evaluation always fails closed
}

// StorageConfig selects the persistence backend for the verdict cache
// and settings store.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// PolicyConfig locates the policy document and controls hot-reload.
type PolicyConfig struct {
	Path       string `yaml:"path"`
	WatchFile  bool   `yaml:"watch_file"`
}

// AuthConfig controls API token TTL for the HTTP surface.
type AuthConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns a config with sensible defaults for
// zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8743",
			CORS:     false,
			FailMode: "closed",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./ace.db",
		},
		Policy: PolicyConfig{
			Path:      "./policy.xml",
			WatchFile: true,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
		LogLevel: "info",
	}
}
