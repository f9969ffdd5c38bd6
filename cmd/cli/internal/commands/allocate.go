package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/canopyworks/custody/internal/packaging"
	"github.com/shopspring/decimal"
)

type AllocateCmd struct {
	Weight  string   `arg:"" help:"Weight to package, e.g. 47.25"`
	Sizes   []string `name:"size" short:"s" help:"Package size, repeatable" required:""`
	MinSize string   `help:"Smallest package size accepted" default:"5"`
}

func (a *AllocateCmd) Run(ctx context.Context, globals *Globals) error {
	return a.run(os.Stdout)
}

func (a *AllocateCmd) run(w io.Writer) error {
	weight, err := decimal.NewFromString(a.Weight)
	if err != nil {
		return fmt.Errorf("invalid weight %q: %w", a.Weight, err)
	}
	minSize, err := decimal.NewFromString(a.MinSize)
	if err != nil {
		return fmt.Errorf("invalid min size %q: %w", a.MinSize, err)
	}

	sizes := make([]decimal.Decimal, 0, len(a.Sizes))
	for _, s := range a.Sizes {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("invalid package size %q: %w", s, err)
		}
		sizes = append(sizes, d)
	}

	alloc, err := packaging.NewAllocator(minSize).Allocate(weight, sizes)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tCOUNT\tTOTAL")
	for _, l := range alloc.Lines {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", l.UnitWeight, l.UnitCount, l.TotalWeight)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nAllocated: %s of %s\n", alloc.Allocated(), alloc.Weight)
	fmt.Fprintf(w, "Remainder: %s (destroyed on commit)\n", alloc.Remaining)
	return nil
}
