// Package packaging splits a weight into packaged units.
//
// The default split is greedy largest-first. Operators may override any line,
// and every recomputation re-checks that the line totals plus the remainder
// equal the input weight exactly.
package packaging

import (
	"slices"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/shopspring/decimal"
)

// DefaultMinSize is the smallest package weight accepted unless configured otherwise.
var DefaultMinSize = decimal.NewFromInt(5)

// Line is one package size and how many packages of it to make.
type Line struct {
	UnitWeight  decimal.Decimal `json:"unit_weight"`
	UnitCount   int             `json:"unit_count"`
	TotalWeight decimal.Decimal `json:"total_weight"`
}

func newLine(unitWeight decimal.Decimal, count int) Line {
	return Line{
		UnitWeight:  unitWeight,
		UnitCount:   count,
		TotalWeight: unitWeight.Mul(decimal.NewFromInt(int64(count))),
	}
}

// Allocation is a set of lines plus whatever weight they leave over.
type Allocation struct {
	Weight    decimal.Decimal `json:"weight"`
	Lines     []Line          `json:"lines"`
	Remaining decimal.Decimal `json:"remaining"`

	minSize decimal.Decimal
}

type Allocator struct {
	minSize decimal.Decimal
}

// NewAllocator returns an allocator enforcing minSize on every package size.
// A non-positive minSize falls back to DefaultMinSize.
func NewAllocator(minSize decimal.Decimal) *Allocator {
	if !minSize.IsPositive() {
		minSize = DefaultMinSize
	}
	return &Allocator{minSize: minSize}
}

func (a *Allocator) MinSize() decimal.Decimal {
	return a.minSize
}

// NormalizeSizes validates sizes and returns them de-duplicated, largest first.
func (a *Allocator) NormalizeSizes(sizes []decimal.Decimal) ([]decimal.Decimal, error) {
	if len(sizes) == 0 {
		return nil, apperr.New(apperr.InvalidPackageSizes, "at least one package size is required")
	}

	out := make([]decimal.Decimal, 0, len(sizes))
	for _, s := range sizes {
		if s.LessThan(a.minSize) {
			return nil, apperr.New(apperr.PackageSizeTooSmall, "package size %s is below minimum %s", s, a.minSize)
		}
		if slices.ContainsFunc(out, s.Equal) {
			continue
		}
		out = append(out, s)
	}

	slices.SortFunc(out, func(x, y decimal.Decimal) int {
		return y.Cmp(x)
	})

	return out, nil
}

// Allocate splits weight greedily across sizes, largest first. Sizes that fit
// zero times produce no line, so a weight smaller than every size yields no
// lines and Remaining == weight.
func (a *Allocator) Allocate(weight decimal.Decimal, sizes []decimal.Decimal) (*Allocation, error) {
	if weight.IsNegative() {
		return nil, apperr.New(apperr.InvalidQuantity, "weight %s must not be negative", weight)
	}

	sorted, err := a.NormalizeSizes(sizes)
	if err != nil {
		return nil, err
	}

	alloc := &Allocation{Weight: weight, Remaining: weight, minSize: a.minSize, Lines: []Line{}}
	for _, size := range sorted {
		q, r := alloc.Remaining.QuoRem(size, 0)
		count := int(q.IntPart())
		if count == 0 {
			continue
		}
		alloc.Lines = append(alloc.Lines, newLine(size, count))
		alloc.Remaining = r
	}

	if err := alloc.Check(); err != nil {
		return nil, err
	}

	return alloc, nil
}

// FromLines builds an allocation from operator supplied lines. Line totals are
// recomputed from weight and count; supplied totals are ignored.
func (a *Allocator) FromLines(weight decimal.Decimal, lines []Line) (*Allocation, error) {
	if weight.IsNegative() {
		return nil, apperr.New(apperr.InvalidQuantity, "weight %s must not be negative", weight)
	}

	alloc := &Allocation{Weight: weight, minSize: a.minSize, Lines: []Line{}}
	for _, l := range lines {
		if l.UnitWeight.LessThan(a.minSize) {
			return nil, apperr.New(apperr.PackageSizeTooSmall, "package size %s is below minimum %s", l.UnitWeight, a.minSize)
		}
		if l.UnitCount < 0 {
			return nil, apperr.New(apperr.InvalidQuantity, "unit count %d must not be negative", l.UnitCount)
		}
		if alloc.indexOf(l.UnitWeight) >= 0 {
			return nil, apperr.New(apperr.InvalidPackageSizes, "package size %s listed twice", l.UnitWeight)
		}
		alloc.Lines = append(alloc.Lines, newLine(l.UnitWeight, l.UnitCount))
	}

	alloc.sortLines()

	remaining := weight.Sub(alloc.allocated())
	if remaining.IsNegative() {
		return nil, apperr.New(apperr.InsufficientWeight, "lines total %s exceeds available %s", alloc.allocated(), weight)
	}
	alloc.Remaining = remaining

	if err := alloc.Check(); err != nil {
		return nil, err
	}

	return alloc, nil
}

// SetCount edits the count for one package size, adding the line if needed,
// and recomputes the remainder. On error the allocation is left unchanged.
func (al *Allocation) SetCount(unitWeight decimal.Decimal, count int) error {
	if count < 0 {
		return apperr.New(apperr.InvalidQuantity, "unit count %d must not be negative", count)
	}
	if unitWeight.LessThan(al.minSize) {
		return apperr.New(apperr.PackageSizeTooSmall, "package size %s is below minimum %s", unitWeight, al.minSize)
	}

	lines := slices.Clone(al.Lines)
	if idx := al.indexOf(unitWeight); idx >= 0 {
		lines[idx] = newLine(lines[idx].UnitWeight, count)
	} else {
		lines = append(lines, newLine(unitWeight, count))
	}

	next := Allocation{Weight: al.Weight, Lines: lines, minSize: al.minSize}
	next.sortLines()

	remaining := al.Weight.Sub(next.allocated())
	if remaining.IsNegative() {
		return apperr.New(apperr.InsufficientWeight, "lines total %s exceeds available %s", next.allocated(), al.Weight)
	}
	next.Remaining = remaining

	if err := next.Check(); err != nil {
		return err
	}

	*al = next
	return nil
}

// Check verifies that line totals plus the remainder equal the weight exactly.
func (al *Allocation) Check() error {
	if al.Remaining.IsNegative() {
		return apperr.New(apperr.ConservationViolated, "negative remainder %s", al.Remaining)
	}
	for _, l := range al.Lines {
		if !l.TotalWeight.Equal(l.UnitWeight.Mul(decimal.NewFromInt(int64(l.UnitCount)))) {
			return apperr.New(apperr.ConservationViolated, "line %s x %d has total %s", l.UnitWeight, l.UnitCount, l.TotalWeight)
		}
	}
	if sum := al.allocated().Add(al.Remaining); !sum.Equal(al.Weight) {
		return apperr.New(apperr.ConservationViolated, "lines %s + remaining %s != weight %s", al.allocated(), al.Remaining, al.Weight)
	}
	return nil
}

// Packages returns the lines that produce at least one package.
func (al *Allocation) Packages() []Line {
	out := make([]Line, 0, len(al.Lines))
	for _, l := range al.Lines {
		if l.UnitCount > 0 {
			out = append(out, l)
		}
	}
	return out
}

// Allocated is the weight assigned to packages.
func (al *Allocation) Allocated() decimal.Decimal {
	return al.allocated()
}

func (al *Allocation) allocated() decimal.Decimal {
	total := decimal.Zero
	for _, l := range al.Lines {
		total = total.Add(l.TotalWeight)
	}
	return total
}

func (al *Allocation) indexOf(unitWeight decimal.Decimal) int {
	return slices.IndexFunc(al.Lines, func(l Line) bool {
		return l.UnitWeight.Equal(unitWeight)
	})
}

func (al *Allocation) sortLines() {
	slices.SortFunc(al.Lines, func(x, y Line) int {
		return y.UnitWeight.Cmp(x.UnitWeight)
	})
}
