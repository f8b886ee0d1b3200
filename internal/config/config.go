// Package config resolves where a project's knowledge graph store lives.
//
// A small JSON (or TOML) file sits in a project-local directory, with an
// environment variable override for entry points that don't want to touch
// the filesystem convention at all.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DirName is the project-local directory holding the config sidecar and,
// by default, the database file itself.
const DirName = ".megamemory"

const jsonConfigName = "config.json"
const tomlConfigName = "config.toml"

// EnvDBPath overrides the resolved database path for every entry point
// when set, bypassing the sidecar entirely.
const EnvDBPath = "MEGAMEMORY_DB_PATH"

// Config is the persisted project configuration.
type Config struct {
	Database string `json:"database" toml:"database"`
}

// DefaultConfig returns the configuration used when no sidecar exists yet.
func DefaultConfig() *Config {
	return &Config{Database: "graph.db"}
}

// Load reads the config sidecar from dir (typically DirName under the
// project root). It tries the JSON form first, then the TOML form, and
// returns DefaultConfig with no error if neither exists.
func Load(dir string) (*Config, error) {
	jsonPath := filepath.Join(dir, jsonConfigName)
	if data, err := os.ReadFile(jsonPath); err == nil { // #nosec G304 -- dir is project-local, not user input
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", jsonPath, err)
		}
		return &cfg, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", jsonPath, err)
	}

	tomlPath := filepath.Join(dir, tomlConfigName)
	if data, err := os.ReadFile(tomlPath); err == nil { // #nosec G304 -- dir is project-local, not user input
		var cfg Config
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", tomlPath, err)
		}
		return &cfg, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", tomlPath, err)
	}

	return DefaultConfig(), nil
}

// Save writes c as the JSON sidecar under dir, creating dir if needed.
func (c *Config) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, jsonConfigName), data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ResolveDBPath returns the path to the store's database file: EnvDBPath
// if set, otherwise c.Database resolved relative to dir.
func ResolveDBPath(dir string, c *Config) string {
	if v := os.Getenv(EnvDBPath); v != "" {
		return v
	}
	return filepath.Join(dir, c.Database)
}
