package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/canopyworks/custody/internal/identity"
)

// FingerprintCmd prints the stored form of badge IDs, for rosters that must not
// carry raw badge numbers.
type FingerprintCmd struct {
	Badges []string `arg:"" help:"Raw badge IDs as read by the scanner"`
}

func (f *FingerprintCmd) Run(ctx context.Context, globals *Globals) error {
	return f.run(os.Stdout)
}

func (f *FingerprintCmd) run(w io.Writer) error {
	for _, b := range f.Badges {
		fp, err := identity.Fingerprint(b)
		if err != nil {
			return fmt.Errorf("badge %q: %w", b, err)
		}
		fmt.Fprintf(w, "%s\t%s\n", b, fp)
	}
	return nil
}
