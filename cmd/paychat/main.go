package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/paychat/cmd/paychat/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Serve    commands.ServeCmd    `cmd:"" help:"Run the session lifecycle service"`
		Sessions commands.SessionsCmd `cmd:"" help:"Inspect and edit the session store"`

		Config     string `help:"Path to the YAML config file." default:"paychat.yaml" env:"PAYCHAT_CONFIG"`
		Passphrase string `help:"Session store passphrase." env:"PAYCHAT_STORE_PASSPHRASE"`
		Debug      bool   `help:"Enable debug mode."`
		Version    kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{
		Debug:      cli.Debug,
		Version:    version,
		ConfigPath: cli.Config,
		Passphrase: cli.Passphrase,
	})
	cmd.FatalIfErrorf(err)
}
