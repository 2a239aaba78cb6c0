package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/paychat/internal/codec"
	"github.com/wolfeidau/paychat/internal/config"
	"github.com/wolfeidau/paychat/internal/session"
	"github.com/wolfeidau/paychat/internal/store"
)

type Globals struct {
	Debug      bool
	Version    string
	ConfigPath string
	Passphrase string
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(globals *Globals) (*config.Config, error) {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return nil, err
	}
	if globals.Passphrase != "" {
		cfg.Store.Passphrase = globals.Passphrase
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openFileStore(cfg *config.Config, log zerolog.Logger) (*store.FileStore, error) {
	c, err := codec.New(cfg.Store.Passphrase, cfg.Store.CodecOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}
	return store.NewFileStore(cfg.Store.Path, c, store.WithLogger(log)), nil
}

// openManager opens the session table over the configured store. refresher
// may be nil for offline use.
func openManager(ctx context.Context, cfg *config.Config, log zerolog.Logger, refresher session.Refresher) (*session.Manager, error) {
	fs, err := openFileStore(cfg, log)
	if err != nil {
		return nil, err
	}

	m, err := session.Open(ctx, session.Options{
		Config:    cfg.Session,
		Store:     fs,
		Refresher: refresher,
		Logger:    &log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	return m, nil
}
