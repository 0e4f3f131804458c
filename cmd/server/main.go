package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/handoff/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool            `help:"Enable debug mode." env:"HANDOFF_DEBUG"`
		Config  kong.ConfigFlag `help:"Load flag values from a YAML file." env:"HANDOFF_CONFIG"`
		Version kong.VersionFlag
		Serve   commands.ServerCmd `cmd:"" help:"Start the scan handoff server (API + WebSocket)"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.Configuration(commands.YAML),
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
