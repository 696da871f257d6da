// Package config loads crateguard's project configuration: rule thresholds
// and toggles, component groupings, pattern order and the settings of the
// external tool and the grouping oracle.
//
// Every project may carry a .crateguard.yaml in its root; the hidden
// .crateguard/ directory next to it holds the transaction journal and lock.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file looked up in the project root.
	FileName = ".crateguard.yaml"
	// StateDir holds the journal and lock file, relative to the project root.
	StateDir = ".crateguard"

	// DefaultComponent names the implicit component holding every crate when
	// no components are configured.
	DefaultComponent = "workspace"
)

// Thresholds are the numeric limits checked by the rule engine.
type Thresholds struct {
	MaxCratesPerComponent int `yaml:"max_crates_per_component"`
	MaxModulesPerCrate    int `yaml:"max_modules_per_crate"`
	MaxFunctionsPerModule int `yaml:"max_functions_per_module"`
	MaxLocPerFile         int `yaml:"max_loc_per_file"`
}

// Toggles enable the entry-file rules.
type Toggles struct {
	NoFunctionsInModRs bool `yaml:"no_functions_in_mod_rs"`
	NoFunctionsInLibRs bool `yaml:"no_functions_in_lib_rs"`
	NoStructsInModRs   bool `yaml:"no_structs_in_mod_rs"`
	NoStructsInLibRs   bool `yaml:"no_structs_in_lib_rs"`
}

// Component is a configured grouping of crates.
type Component struct {
	Name   string   `yaml:"name"`
	Crates []string `yaml:"crates"`
}

// ExternalConfig configures the external analyzer subprocess.
type ExternalConfig struct {
	Enabled bool          `yaml:"enabled"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// OracleConfig configures the advisory grouping oracle.
type OracleConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	Rate      float64       `yaml:"rate"` // requests per second
	Burst     int           `yaml:"burst"`
	CacheSize int           `yaml:"cache_size"`
	APIKey    string        `yaml:"-"`
}

// Config models .crateguard.yaml.
type Config struct {
	Thresholds `yaml:",inline"`
	Toggles    `yaml:",inline"`

	Components []Component    `yaml:"components,omitempty"`
	Patterns   []string       `yaml:"patterns,omitempty"`
	Exclude    []string       `yaml:"exclude,omitempty"`
	External   ExternalConfig `yaml:"external"`
	Oracle     OracleConfig   `yaml:"oracle"`

	// Path is the file the config was read from, "" when defaults are used.
	Path string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Thresholds: Thresholds{
			MaxCratesPerComponent: 10,
			MaxModulesPerCrate:    10,
			MaxFunctionsPerModule: 20,
			MaxLocPerFile:         500,
		},
		Toggles: Toggles{
			NoFunctionsInModRs: true,
			NoFunctionsInLibRs: true,
			NoStructsInModRs:   true,
			NoStructsInLibRs:   true,
		},
		External: ExternalConfig{
			Command: []string{"cargo", "clippy", "--message-format=json", "--quiet"},
			Timeout: 5 * time.Minute,
		},
		Oracle: OracleConfig{
			Model:     "gemini-2.5-flash",
			Timeout:   20 * time.Second,
			Retries:   3,
			Rate:      1,
			Burst:     1,
			CacheSize: 256,
		},
	}
}

// Load reads the configuration for the project at root. path overrides the
// default location; a missing default file is not an error. Environment
// variables (optionally from root/.env) supply secrets.
func Load(root, path string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(root, ".env"))

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(root, FileName)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.Path = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg.Oracle.APIKey = firstNonEmpty(
		strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
	)
	if v := strings.TrimSpace(os.Getenv("CRATEGUARD_ORACLE")); v != "" {
		cfg.Oracle.Enabled = v == "1" || strings.EqualFold(v, "true")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	limits := []struct {
		name string
		v    int
	}{
		{"max_crates_per_component", c.MaxCratesPerComponent},
		{"max_modules_per_crate", c.MaxModulesPerCrate},
		{"max_functions_per_module", c.MaxFunctionsPerModule},
		{"max_loc_per_file", c.MaxLocPerFile},
	}
	for _, l := range limits {
		if l.v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", l.name, l.v)
		}
	}

	seen := make(map[string]string)
	for _, comp := range c.Components {
		if comp.Name == "" {
			return errors.New("config: component without a name")
		}
		for _, crate := range comp.Crates {
			if prev, ok := seen[crate]; ok {
				return fmt.Errorf("config: crate %q is in components %q and %q", crate, prev, comp.Name)
			}
			seen[crate] = comp.Name
		}
	}

	if c.External.Enabled && len(c.External.Command) == 0 {
		return errors.New("config: external.command is empty")
	}
	if c.Oracle.Retries < 0 {
		return errors.New("config: oracle.retries must not be negative")
	}
	return nil
}

// StatePath returns the absolute path of the hidden state directory.
func StatePath(root string) string {
	return filepath.Join(root, StateDir)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
