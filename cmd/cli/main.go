package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/canopyworks/custody/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Allocate    commands.AllocateCmd    `cmd:"" help:"Preview how a weight splits into packages"`
		Fingerprint commands.FingerprintCmd `cmd:"" help:"Print the credential fingerprint for badge IDs"`
		Roster      commands.RosterCmd      `cmd:"" help:"Check a member roster file"`
		Audit       commands.AuditCmd       `cmd:"" help:"Fetch and verify audit archives"`
		Debug       bool                    `help:"Enable debug mode."`
		Version     kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("custody"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
