// Package config loads the paychat YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/paychat/internal/codec"
	"github.com/wolfeidau/paychat/internal/issuer"
	"github.com/wolfeidau/paychat/internal/session"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid config")

// DefaultPath is read when present; a missing file at this path is not an
// error.
const DefaultPath = "paychat.yaml"

// Config is the root of the configuration file.
type Config struct {
	Session   session.Config  `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Issuer    issuer.Config   `yaml:"issuer"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig locates and unlocks the encrypted session file.
type StoreConfig struct {
	Path       string `yaml:"path"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
	Iterations int    `yaml:"iterations"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Session: session.DefaultConfig(),
		Store: StoreConfig{
			Path:       "sessions.enc",
			Salt:       codec.DefaultSalt,
			Iterations: codec.DefaultIterations,
		},
		Issuer: issuer.DefaultConfig(),
		Telemetry: TelemetryConfig{
			ServiceName: "paychat",
			Environment: "development",
		},
	}
}

// Load reads path over the defaults. ${VAR} references are expanded from the
// environment before parsing. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		if path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Session.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Store.Passphrase == "" {
		errs = append(errs, "store.passphrase is required")
	}
	if c.Store.Iterations <= 0 {
		errs = append(errs, "store.iterations must be positive")
	}
	if c.Issuer.BaseURL == "" {
		errs = append(errs, "issuer.base_url is required")
	}
	if c.Issuer.Timeout <= 0 {
		errs = append(errs, "issuer.timeout must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		errs = append(errs, "telemetry.service_name is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// CodecOptions returns the key derivation settings for the store.
func (s StoreConfig) CodecOptions() codec.Options {
	return codec.Options{Salt: s.Salt, Iterations: s.Iterations}
}
