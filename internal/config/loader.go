package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader owns the currently active Config, reloadable from its backing
// file. Shaped after the *config.Loader with Load/Reload/Get that
// agentwarden/internal/policy.Engine.ReloadPolicies expects (here, Get
// returns *Config rather than agentwarden's PolicyConfig slice).
type Loader struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewLoader creates a Loader that has not yet loaded anything; call
// Load before Get.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the YAML file at path, starting from
// DefaultConfig so the file only needs to specify overrides.
func (l *Loader) Load(path string) error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	l.mu.Lock()
	l.path = path
	l.cfg = cfg
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file given to the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.path
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("config: reload called before any config was loaded")
	}
	return l.Load(path)
}

// Get returns the currently active Config, or DefaultConfig() if
// nothing has loaded yet.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.cfg == nil {
		return DefaultConfig()
	}
	return l.cfg
}

// ConfigFileUsed returns the path of the last successfully loaded file,
// mirroring Sentinel-Gate/internal/config/loader.go's ConfigFileUsed.
func (l *Loader) ConfigFileUsed() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}
