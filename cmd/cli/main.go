package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/mtlsgreeter/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		commands.ClientFlags

		Greet      commands.GreetCmd      `cmd:"" help:"Call Greet"`
		SecureInfo commands.SecureInfoCmd `cmd:"" help:"Call SecureInfo (requires a client certificate)"`
		Demo       commands.DemoCmd       `cmd:"" help:"Call both operations on both endpoints"`
		Debug      bool                   `help:"Enable debug mode."`
		Version    kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("greeter"),
		kong.Description("Client for the mutual TLS greeter service."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version, Client: cli.ClientFlags, Out: os.Stdout})
	cmd.FatalIfErrorf(err)
}
