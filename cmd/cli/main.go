package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/handoff/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Pair     commands.PairCmd     `cmd:"" help:"Start a scan session and show its pairing code"`
		Scan     commands.ScanCmd     `cmd:"" help:"Act as the mobile device and upload an image to a session"`
		Status   commands.StatusCmd   `cmd:"" help:"Show the state of a scan session"`
		Watch    commands.WatchCmd    `cmd:"" help:"Stream scan session events"`
		Cancel   commands.CancelCmd   `cmd:"" help:"Cancel a scan session"`
		Finalize commands.FinalizeCmd `cmd:"" help:"Store a scanned or local image as a receipt"`
		Fetch    commands.FetchCmd    `cmd:"" help:"Download a stored receipt"`
		Debug    bool                 `help:"Enable debug mode."`
		Version  kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
