// Package conversion plans the move of units or weight from a batch to new
// batches at the next stage. Plans are committed through the ledger, which
// re-validates them against the state at commit time.
package conversion

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/ledger"
	"github.com/canopyworks/custody/internal/lifecycle"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/packaging"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RemainderReason is recorded when packaging leaves weight over.
const RemainderReason = "packaging remainder"

// Mode is how a conversion moves material, decided by the kinds of the source
// and destination stages.
type Mode string

const (
	ModeUnits         Mode = "units" // units to units, 1:1 lineage
	ModeUnitsToWeight Mode = "units_to_weight"
	ModeWeight        Mode = "weight"
	ModePackaging     Mode = "packaging" // weight to packaged units
)

func modeFor(from, to models.Stage) Mode {
	switch {
	case !from.IsWeightBased() && !to.IsWeightBased():
		return ModeUnits
	case !from.IsWeightBased():
		return ModeUnitsToWeight
	case to.IsWeightBased():
		return ModeWeight
	default:
		return ModePackaging
	}
}

// Request is a conversion as submitted by an operator.
type Request struct {
	SourceID        uuid.UUID
	Target          models.Stage // empty means the next stage
	ExpectedVersion int64
	ActorID         uuid.UUID
	RoomID          string

	// Unit-counted sources
	UnitIDs []uuid.UUID
	All     bool

	// Weight to move. Weight-based sources default to everything remaining.
	Weight decimal.Decimal

	// Packaging. Lines override the greedy split over PackageSizes.
	PackageSizes []decimal.Decimal
	Lines        []packaging.Line
}

// Proposal is a computed plan plus the allocation behind it, if any.
type Proposal struct {
	Mode       Mode
	Plan       ledger.Plan
	Allocation *packaging.Allocation
}

type Engine struct {
	ledger    *ledger.Service
	allocator *packaging.Allocator
}

func New(l *ledger.Service, allocator *packaging.Allocator) *Engine {
	if allocator == nil {
		allocator = packaging.NewAllocator(packaging.DefaultMinSize)
	}
	return &Engine{ledger: l, allocator: allocator}
}

// Convert plans req against the current state and commits it.
func (e *Engine) Convert(ctx context.Context, req Request) (*ledger.Result, error) {
	if req.ActorID == uuid.Nil {
		return nil, apperr.New(apperr.ActorRequired, "actor is required to convert")
	}
	p, err := e.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.ledger.CommitConversion(ctx, p.Plan)
}

// Plan computes the ledger plan for req without changing anything. The actor
// may be left unset and filled in on the plan before it is committed.
func (e *Engine) Plan(ctx context.Context, req Request) (*Proposal, error) {
	src, err := e.ledger.GetBatch(ctx, req.SourceID)
	if err != nil {
		return nil, err
	}

	target := req.Target
	if target == "" {
		if target, err = lifecycle.NextStage(src.Stage); err != nil {
			return nil, err
		}
	}
	if err := lifecycle.StageTransition(src.Stage, target); err != nil {
		return nil, err
	}
	// Destinations stay in the source room unless moved.
	if req.RoomID == "" {
		req.RoomID = src.RoomID
	}

	p := &Proposal{
		Mode: modeFor(src.Stage, target),
		Plan: ledger.Plan{
			SourceID:        src.ID,
			ExpectedVersion: req.ExpectedVersion,
			ActorID:         req.ActorID,
		},
	}
	if p.Plan.ExpectedVersion == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "expected version is required")
	}

	switch p.Mode {
	case ModeUnits, ModeUnitsToWeight:
		err = e.planUnits(ctx, src, target, req, p)
	case ModeWeight:
		err = e.planWeight(src, target, req, p)
	case ModePackaging:
		err = e.planPackaging(src, target, req, p)
	}
	if err != nil {
		return nil, err
	}
	for _, d := range p.Plan.Destinations {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (e *Engine) planUnits(ctx context.Context, src *models.Batch, target models.Stage, req Request, p *Proposal) error {
	if len(req.PackageSizes) > 0 || len(req.Lines) > 0 {
		return apperr.New(apperr.InvalidRequest, "package sizes apply only to %s", models.StagePackaging)
	}

	count, err := e.selection(ctx, src, req, p)
	if err != nil {
		return err
	}

	dest := ledger.Destination{Stage: target, RoomID: req.RoomID}
	if p.Mode == ModeUnitsToWeight {
		if !req.Weight.IsPositive() {
			return apperr.New(apperr.InvalidQuantity, "weight of the %s material must be greater than zero", target)
		}
		dest.Weight = req.Weight
	} else {
		if req.Weight.IsPositive() {
			return apperr.New(apperr.InvalidRequest, "%s batches are unit counted, weight is not accepted", target)
		}
		dest.Quantity = count
	}

	p.Plan.Destinations = []ledger.Destination{dest}
	return nil
}

// selection fills the plan's unit selection and returns how many units it
// covers. All is left to the commit, which converts whatever is active under
// the expected version.
func (e *Engine) selection(ctx context.Context, src *models.Batch, req Request, p *Proposal) (int, error) {
	if req.All {
		if len(req.UnitIDs) > 0 {
			return 0, apperr.New(apperr.InvalidSelection, "select all or list units, not both")
		}
		if src.ActiveCount == 0 {
			return 0, apperr.New(apperr.InvalidSelection, "batch %s has no active units", src.BatchNumber)
		}
		p.Plan.AllActive = true
		return src.ActiveCount, nil
	}

	if len(req.UnitIDs) == 0 {
		return 0, apperr.New(apperr.InvalidSelection, "no units selected")
	}

	units, err := e.ledger.ListUnits(ctx, src.ID)
	if err != nil {
		return 0, err
	}
	byID := make(map[uuid.UUID]*models.Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	seen := make(map[uuid.UUID]struct{}, len(req.UnitIDs))
	for _, id := range req.UnitIDs {
		if _, dup := seen[id]; dup {
			return 0, apperr.New(apperr.InvalidSelection, "unit %s selected more than once", id)
		}
		seen[id] = struct{}{}

		u, ok := byID[id]
		if !ok {
			return 0, apperr.New(apperr.InvalidSelection, "unit %s does not belong to batch %s", id, src.BatchNumber)
		}
		if u.Status != models.UnitActive {
			return 0, apperr.New(apperr.InvalidSelection, "unit %s is %s", id, u.Status)
		}
	}

	p.Plan.UnitIDs = slices.Clone(req.UnitIDs)
	return len(req.UnitIDs), nil
}

// weightToMove applies the default of everything remaining and checks the
// weight against the batch.
func weightToMove(src *models.Batch, requested decimal.Decimal) (decimal.Decimal, error) {
	remaining := src.RemainingWeight()
	w := requested
	if w.IsZero() {
		w = remaining
	}
	if !w.IsPositive() {
		return decimal.Zero, apperr.New(apperr.InvalidQuantity, "batch %s has no weight to convert", src.BatchNumber)
	}
	if w.GreaterThan(remaining) {
		return decimal.Zero, apperr.New(apperr.InsufficientWeight, "batch %s has %s remaining, requested %s", src.BatchNumber, remaining, w)
	}
	return w, nil
}

func (e *Engine) planWeight(src *models.Batch, target models.Stage, req Request, p *Proposal) error {
	if len(req.UnitIDs) > 0 || req.All {
		return apperr.New(apperr.InvalidSelection, "%s batch %s has no units to select", src.Stage, src.BatchNumber)
	}

	w, err := weightToMove(src, req.Weight)
	if err != nil {
		return err
	}

	p.Plan.Weight = w
	p.Plan.Destinations = []ledger.Destination{{Stage: target, Weight: w, RoomID: req.RoomID}}
	return nil
}

func (e *Engine) planPackaging(src *models.Batch, target models.Stage, req Request, p *Proposal) error {
	if len(req.UnitIDs) > 0 || req.All {
		return apperr.New(apperr.InvalidSelection, "%s batch %s has no units to select", src.Stage, src.BatchNumber)
	}

	w, err := weightToMove(src, req.Weight)
	if err != nil {
		return err
	}

	var alloc *packaging.Allocation
	if len(req.Lines) > 0 {
		alloc, err = e.allocator.FromLines(w, req.Lines)
	} else {
		alloc, err = e.allocator.Allocate(w, req.PackageSizes)
	}
	if err != nil {
		return err
	}

	dests := make([]ledger.Destination, 0, len(alloc.Lines))
	for _, l := range alloc.Packages() {
		dests = append(dests, ledger.Destination{
			Stage:      target,
			Quantity:   l.UnitCount,
			UnitWeight: l.UnitWeight,
			RoomID:     req.RoomID,
		})
	}

	p.Allocation = alloc
	p.Plan.Weight = alloc.Allocated()
	p.Plan.Remainder = alloc.Remaining
	p.Plan.RemainderReason = RemainderReason
	p.Plan.Destinations = dests
	p.Plan.Details = map[string]string{
		"allocation": describe(alloc),
		"remainder":  alloc.Remaining.String(),
	}
	return nil
}

// describe renders lines as e.g. "2x20,1x5".
func describe(alloc *packaging.Allocation) string {
	parts := make([]string, 0, len(alloc.Lines))
	for _, l := range alloc.Packages() {
		parts = append(parts, fmt.Sprintf("%dx%s", l.UnitCount, l.UnitWeight))
	}
	return strings.Join(parts, ",")
}
