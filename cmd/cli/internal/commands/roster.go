package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/canopyworks/custody/internal/seed"
)

type RosterCmd struct {
	File string `arg:"" help:"Member roster YAML file" type:"existingfile"`
}

func (r *RosterCmd) Run(ctx context.Context, globals *Globals) error {
	return r.run(os.Stdout)
}

func (r *RosterCmd) run(w io.Writer) error {
	roster, err := seed.Load(r.File)
	if err != nil {
		return err
	}

	var badges, disabled int
	for _, m := range roster.Members {
		badges += len(m.Badges) + len(m.Fingerprints)
		if m.Disabled {
			disabled++
		}
	}

	fmt.Fprintf(w, "%s: %d members, %d credentials, %d disabled\n", r.File, len(roster.Members), badges, disabled)
	return nil
}
