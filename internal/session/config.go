package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid session config")

// Config holds the lifecycle policy of the session table.
type Config struct {
	// MaxSessions bounds the table; inserting past it evicts the most idle
	// EvictFraction of records.
	MaxSessions   int     `yaml:"max_sessions"`
	EvictFraction float64 `yaml:"evict_fraction"`

	// MinLifetime is the floor applied to a new record's credential expiry.
	MinLifetime       time.Duration `yaml:"min_lifetime"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`

	// RefreshThreshold is how close to expiry a credential is refreshed, and
	// RefreshExtension how far past the refresh time the new expiry lands.
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	RefreshExtension time.Duration `yaml:"refresh_extension"`

	SweepInterval time.Duration `yaml:"sweep_interval"`

	SaveDebounce          time.Duration `yaml:"save_debounce"`
	SaveOnReadProbability float64       `yaml:"save_on_read_probability"`
	SaveRetries           int           `yaml:"save_retries"`
	RetryInitialInterval  time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval      time.Duration `yaml:"retry_max_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:           1000,
		EvictFraction:         0.2,
		MinLifetime:           time.Hour,
		InactivityTimeout:     24 * time.Hour,
		RefreshThreshold:      10 * time.Minute,
		RefreshExtension:      24 * time.Hour,
		SweepInterval:         5 * time.Minute,
		SaveDebounce:          2 * time.Second,
		SaveOnReadProbability: 0.1,
		SaveRetries:           3,
		RetryInitialInterval:  100 * time.Millisecond,
		RetryMaxInterval:      2 * time.Second,
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxSessions <= 0:
		return fmt.Errorf("%w: max_sessions must be positive", ErrInvalidConfig)
	case c.EvictFraction <= 0 || c.EvictFraction > 1:
		return fmt.Errorf("%w: evict_fraction must be in (0, 1]", ErrInvalidConfig)
	case c.MinLifetime <= 0:
		return fmt.Errorf("%w: min_lifetime must be positive", ErrInvalidConfig)
	case c.InactivityTimeout <= 0:
		return fmt.Errorf("%w: inactivity_timeout must be positive", ErrInvalidConfig)
	case c.RefreshThreshold < 0:
		return fmt.Errorf("%w: refresh_threshold must not be negative", ErrInvalidConfig)
	case c.RefreshExtension <= 0:
		return fmt.Errorf("%w: refresh_extension must be positive", ErrInvalidConfig)
	case c.SweepInterval <= 0:
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidConfig)
	case c.SaveDebounce <= 0:
		return fmt.Errorf("%w: save_debounce must be positive", ErrInvalidConfig)
	case c.SaveOnReadProbability < 0 || c.SaveOnReadProbability > 1:
		return fmt.Errorf("%w: save_on_read_probability must be in [0, 1]", ErrInvalidConfig)
	case c.SaveRetries <= 0:
		return fmt.Errorf("%w: save_retries must be positive", ErrInvalidConfig)
	case c.RetryInitialInterval <= 0 || c.RetryMaxInterval < c.RetryInitialInterval:
		return fmt.Errorf("%w: retry intervals must be positive and ordered", ErrInvalidConfig)
	}
	return nil
}
