package ledger

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/events"
	"github.com/canopyworks/custody/internal/lifecycle"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Plan is a fully computed conversion, applied by CommitConversion as one
// atomic change.
//
// Unit-counted sources convert UnitIDs, or every active unit when AllActive
// is set, into exactly one destination. Weight sources move Weight into the
// destinations and destroy Remainder, and together they must not exceed the
// remaining weight.
type Plan struct {
	SourceID        uuid.UUID
	ExpectedVersion int64
	ActorID         uuid.UUID

	UnitIDs []uuid.UUID
	// AllActive resolves the selection inside the commit.
	AllActive bool

	Weight          decimal.Decimal
	Remainder       decimal.Decimal
	RemainderReason string

	Destinations []Destination

	// Extra audit details, e.g. the allocation used
	Details map[string]string
}

type Result struct {
	Source             models.Summary  `json:"source"`
	Destinations       []*models.Batch `json:"destinations"`
	Converted          int             `json:"converted"`
	ConvertedUnitIDs   []uuid.UUID     `json:"converted_unit_ids,omitempty"`
	ConvertedWeight    decimal.Decimal `json:"converted_weight"`
	RemainderDestroyed decimal.Decimal `json:"remainder_destroyed"`
	AuditSequences     []int64         `json:"audit_sequences"`
}

// CommitConversion validates plan against the current ledger state and applies
// it. Any stale unit, version mismatch or conservation failure rejects the
// whole plan.
func (s *Service) CommitConversion(ctx context.Context, plan Plan) (*Result, error) {
	if plan.ActorID == uuid.Nil {
		return nil, apperr.New(apperr.ActorRequired, "actor is required to convert")
	}
	for _, d := range plan.Destinations {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()

	var res *Result
	err := s.run(ctx, "commit_conversion", func(tx store.LedgerTx) error {
		src, err := tx.GetBatch(ctx, plan.SourceID)
		if err != nil {
			return err
		}
		if err := checkVersion(src, plan.ExpectedVersion); err != nil {
			return err
		}
		for _, d := range plan.Destinations {
			if err := lifecycle.StageTransition(src.Stage, d.Stage); err != nil {
				return err
			}
		}

		res = &Result{ConvertedWeight: decimal.Zero, RemainderDestroyed: decimal.Zero}
		if src.Stage.IsWeightBased() {
			err = s.applyWeightPlan(ctx, tx, src, plan, now, res)
		} else {
			err = s.applyUnitPlan(ctx, tx, src, plan, now, res)
		}
		if err != nil {
			return err
		}

		src.UpdatedAt = now
		if err := src.CheckConservation(); err != nil {
			return apperr.Wrap(apperr.ConservationViolated, err)
		}
		if err := tx.UpdateBatch(ctx, src, plan.ExpectedVersion); err != nil {
			return err
		}
		res.Source = src.Summary()

		return s.auditConversion(ctx, tx, src, plan, res)
	})
	if err != nil {
		return nil, err
	}

	s.recordConversion(ctx, plan, res, now)
	return res, nil
}

func (s *Service) applyUnitPlan(ctx context.Context, tx store.LedgerTx, src *models.Batch, plan Plan, now time.Time, res *Result) error {
	if plan.Weight.IsPositive() || plan.Remainder.IsPositive() {
		return apperr.New(apperr.InvalidRequest, "%s batch %s is unit counted, a weight cannot be converted", src.Stage, src.BatchNumber)
	}
	if len(plan.Destinations) != 1 {
		return apperr.New(apperr.InvalidRequest, "unit conversions create exactly one batch, got %d", len(plan.Destinations))
	}

	var units []*models.Unit
	var err error
	switch {
	case plan.AllActive && len(plan.UnitIDs) > 0:
		return apperr.New(apperr.InvalidSelection, "select all or list units, not both")
	case plan.AllActive:
		if units, err = tx.ActiveUnits(ctx, src.ID); err != nil {
			return err
		}
		if len(units) == 0 {
			return apperr.New(apperr.InvalidSelection, "batch %s has no active units", src.BatchNumber)
		}
	case len(plan.UnitIDs) == 0:
		return apperr.New(apperr.InvalidSelection, "no units selected")
	default:
		if units, err = selectUnits(ctx, tx, src, plan.UnitIDs); err != nil {
			return err
		}
	}
	for _, u := range units {
		if u.Status != models.UnitActive {
			return apperr.New(apperr.InvalidSelection, "unit %s is %s", u.ID, u.Status)
		}
	}

	dest := plan.Destinations[0]
	var lineage []*models.Unit
	if !dest.Stage.IsWeightBased() {
		if dest.Quantity != len(units) {
			return apperr.New(apperr.ConservationViolated, "%d units selected but destination holds %d", len(units), dest.Quantity)
		}
		lineage = units
	}

	srcID := src.ID
	b, _, err := insertBatch(ctx, tx, dest, &srcID, lineage, plan.ActorID, now)
	if err != nil {
		return err
	}

	for _, u := range units {
		if err := lifecycle.UnitTransition(u.Status, models.UnitConverted); err != nil {
			return fmt.Errorf("unit %s: %w", u.ID, err)
		}
		u.Status = models.UnitConverted
		u.ConvertedAt = &now
		u.ConvertedBy = &plan.ActorID
		u.ConvertedToBatchID = &b.ID
	}
	if err := tx.UpdateUnits(ctx, units); err != nil {
		return err
	}

	src.ActiveCount -= len(units)
	src.ConvertedCount += len(units)

	res.Destinations = []*models.Batch{b}
	res.Converted = len(units)
	res.ConvertedUnitIDs = unitIDs(units)
	return nil
}

func (s *Service) applyWeightPlan(ctx context.Context, tx store.LedgerTx, src *models.Batch, plan Plan, now time.Time, res *Result) error {
	if len(plan.UnitIDs) > 0 || plan.AllActive {
		return apperr.New(apperr.InvalidSelection, "%s batch %s has no units to select", src.Stage, src.BatchNumber)
	}
	if plan.Weight.IsNegative() || plan.Remainder.IsNegative() {
		return apperr.New(apperr.InvalidQuantity, "weights must not be negative")
	}
	if !plan.Weight.Add(plan.Remainder).IsPositive() {
		return apperr.New(apperr.InvalidQuantity, "nothing to convert")
	}
	if plan.Weight.IsPositive() && len(plan.Destinations) == 0 {
		return apperr.New(apperr.InvalidRequest, "weight %s has no destination", plan.Weight)
	}

	moved := decimal.Zero
	for _, d := range plan.Destinations {
		if d.Stage.IsWeightBased() {
			moved = moved.Add(d.Weight)
		} else {
			moved = moved.Add(d.UnitWeight.Mul(decimal.NewFromInt(int64(d.Quantity))))
		}
	}
	if !moved.Equal(plan.Weight) {
		return apperr.New(apperr.ConservationViolated, "destinations hold %s but plan moves %s", moved, plan.Weight)
	}

	if total, remaining := plan.Weight.Add(plan.Remainder), src.RemainingWeight(); total.GreaterThan(remaining) {
		return apperr.New(apperr.InsufficientWeight, "batch %s has %s remaining, plan needs %s", src.BatchNumber, remaining, total)
	}

	srcID := src.ID
	for _, d := range plan.Destinations {
		b, _, err := insertBatch(ctx, tx, d, &srcID, nil, plan.ActorID, now)
		if err != nil {
			return err
		}
		res.Destinations = append(res.Destinations, b)
	}

	src.AllocatedWeight = src.AllocatedWeight.Add(plan.Weight)
	res.ConvertedWeight = plan.Weight

	if plan.Remainder.IsPositive() {
		if err := destroyWeight(src, plan.Remainder); err != nil {
			return err
		}
		res.RemainderDestroyed = plan.Remainder
	}

	return nil
}

func (s *Service) auditConversion(ctx context.Context, tx store.LedgerTx, src *models.Batch, plan Plan, res *Result) error {
	if len(res.Destinations) > 0 {
		numbers := make([]string, 0, len(res.Destinations))
		for _, b := range res.Destinations {
			numbers = append(numbers, b.BatchNumber)
		}

		details := summaryDetails(src, "source_")
		details["destination_batch_numbers"] = strings.Join(numbers, ",")
		details["destination_stage"] = string(res.Destinations[0].Stage)
		if res.Converted > 0 {
			details["converted_units"] = strconv.Itoa(res.Converted)
		}
		if res.ConvertedWeight.IsPositive() {
			details["converted_weight"] = res.ConvertedWeight.String()
		}
		maps.Copy(details, plan.Details)

		entry := &models.AuditEntry{
			ActorID:       plan.ActorID,
			Action:        models.ActionBatchConverted,
			TargetBatchID: src.ID,
			TargetUnitIDs: res.ConvertedUnitIDs,
			Details:       details,
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return err
		}
		res.AuditSequences = append(res.AuditSequences, entry.Sequence)

		// Each destination carries its own creation record.
		for _, b := range res.Destinations {
			created := &models.AuditEntry{
				ActorID:       plan.ActorID,
				Action:        models.ActionBatchCreated,
				TargetBatchID: b.ID,
				Details:       summaryDetails(b, ""),
			}
			created.Details["source_batch_number"] = src.BatchNumber
			if err := s.audit.Append(ctx, tx, created); err != nil {
				return err
			}
		}
	}

	if res.RemainderDestroyed.IsPositive() {
		details := summaryDetails(src, "")
		details["weight"] = res.RemainderDestroyed.String()
		entry := &models.AuditEntry{
			ActorID:       plan.ActorID,
			Action:        models.ActionRemainderDestroyed,
			TargetBatchID: src.ID,
			Reason:        plan.RemainderReason,
			Details:       details,
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return err
		}
		res.AuditSequences = append(res.AuditSequences, entry.Sequence)
	}

	return nil
}

func (s *Service) recordConversion(ctx context.Context, plan Plan, res *Result, now time.Time) {
	stage := attribute.String("stage", string(res.Source.Stage))

	if len(res.Destinations) > 0 {
		s.metrics.ConversionsTotal.Add(ctx, 1, metric.WithAttributes(stage))
		if res.Converted > 0 {
			s.metrics.UnitsConvertedTotal.Add(ctx, int64(res.Converted), metric.WithAttributes(stage))
		}

		dests := make([]models.Summary, 0, len(res.Destinations))
		for _, b := range res.Destinations {
			dests = append(dests, b.Summary())
		}
		s.publish(ctx, events.Event{
			Type:         events.TypeBatchConverted,
			ActorID:      plan.ActorID,
			Source:       res.Source,
			Destinations: dests,
			OccurredAt:   now,
		})
	}

	if res.RemainderDestroyed.IsPositive() {
		s.metrics.WeightDestroyedTotal.Add(ctx, res.RemainderDestroyed.InexactFloat64(), metric.WithAttributes(stage))
		s.publish(ctx, events.Event{
			Type:       events.TypeRemainderDestroyed,
			ActorID:    plan.ActorID,
			Source:     res.Source,
			OccurredAt: now,
		})
	}
}
