package ledger

import (
	"context"
	"fmt"

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

type DestroyUnitsRequest struct {
	BatchID         uuid.UUID
	UnitIDs         []uuid.UUID
	ActorID         uuid.UUID
	Reason          string
	ExpectedVersion int64
}

// Validate checks the request shape without touching the ledger.
func (r DestroyUnitsRequest) Validate() error {
	if len(r.UnitIDs) == 0 {
		return apperr.New(apperr.InvalidSelection, "no units selected")
	}
	return nil
}

// DestroyUnits marks the selected active units destroyed and re-derives the
// batch counters.
func (s *Service) DestroyUnits(ctx context.Context, req DestroyUnitsRequest) (models.Summary, error) {
	if req.ActorID == uuid.Nil {
		return models.Summary{}, apperr.New(apperr.ActorRequired, "actor is required to destroy units")
	}
	if err := req.Validate(); err != nil {
		return models.Summary{}, err
	}

	now := s.now().UTC()

	var summary models.Summary
	err := s.run(ctx, "destroy_units", func(tx store.LedgerTx) error {
		b, err := tx.GetBatch(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if err := checkVersion(b, req.ExpectedVersion); err != nil {
			return err
		}
		if b.Stage.IsWeightBased() {
			return apperr.New(apperr.IllegalTransition, "%s batch %s has no units, destroy a weight instead", b.Stage, b.BatchNumber)
		}

		units, err := selectUnits(ctx, tx, b, req.UnitIDs)
		if err != nil {
			return err
		}

		for _, u := range units {
			if err := lifecycle.UnitTransition(u.Status, models.UnitDestroyed); err != nil {
				return fmt.Errorf("unit %s: %w", u.ID, err)
			}
			u.Status = models.UnitDestroyed
			u.DestroyedAt = &now
			u.DestroyedBy = &req.ActorID
			u.DestroyReason = req.Reason
		}
		if err := tx.UpdateUnits(ctx, units); err != nil {
			return err
		}

		b.ActiveCount -= len(units)
		b.DestroyedCount += len(units)
		b.UpdatedAt = now
		if err := b.CheckConservation(); err != nil {
			return apperr.Wrap(apperr.ConservationViolated, err)
		}
		if err := tx.UpdateBatch(ctx, b, req.ExpectedVersion); err != nil {
			return err
		}

		entry := &models.AuditEntry{
			ActorID:       req.ActorID,
			Action:        models.ActionUnitsDestroyed,
			TargetBatchID: b.ID,
			TargetUnitIDs: req.UnitIDs,
			Reason:        req.Reason,
			Details:       summaryDetails(b, ""),
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return err
		}

		summary = b.Summary()
		return nil
	})
	if err != nil {
		return models.Summary{}, err
	}

	s.metrics.UnitsDestroyedTotal.Add(ctx, int64(len(req.UnitIDs)), metric.WithAttributes(attribute.String("stage", string(summary.Stage))))
	s.publish(ctx, events.Event{
		Type:       events.TypeUnitsDestroyed,
		ActorID:    req.ActorID,
		Source:     summary,
		OccurredAt: now,
	})

	return summary, nil
}

type DestroyRemainderRequest struct {
	BatchID         uuid.UUID
	Weight          decimal.Decimal
	ActorID         uuid.UUID
	Reason          string
	ExpectedVersion int64
}

// Validate checks the request shape without touching the ledger.
func (r DestroyRemainderRequest) Validate() error {
	if !r.Weight.IsPositive() {
		return apperr.New(apperr.InvalidQuantity, "weight must be greater than zero, got %s", r.Weight)
	}
	return nil
}

// DestroyRemainder destroys weight from a weight-based batch.
func (s *Service) DestroyRemainder(ctx context.Context, req DestroyRemainderRequest) (models.Summary, error) {
	if req.ActorID == uuid.Nil {
		return models.Summary{}, apperr.New(apperr.ActorRequired, "actor is required to destroy weight")
	}
	if err := req.Validate(); err != nil {
		return models.Summary{}, err
	}

	now := s.now().UTC()

	var summary models.Summary
	err := s.run(ctx, "destroy_remainder", func(tx store.LedgerTx) error {
		b, err := tx.GetBatch(ctx, req.BatchID)
		if err != nil {
			return err
		}
		if err := checkVersion(b, req.ExpectedVersion); err != nil {
			return err
		}

		if err := destroyWeight(b, req.Weight); err != nil {
			return err
		}
		b.UpdatedAt = now
		if err := tx.UpdateBatch(ctx, b, req.ExpectedVersion); err != nil {
			return err
		}

		details := summaryDetails(b, "")
		details["weight"] = req.Weight.String()
		entry := &models.AuditEntry{
			ActorID:       req.ActorID,
			Action:        models.ActionRemainderDestroyed,
			TargetBatchID: b.ID,
			Reason:        req.Reason,
			Details:       details,
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return err
		}

		summary = b.Summary()
		return nil
	})
	if err != nil {
		return models.Summary{}, err
	}

	s.metrics.WeightDestroyedTotal.Add(ctx, req.Weight.InexactFloat64(), metric.WithAttributes(attribute.String("stage", string(summary.Stage))))
	s.publish(ctx, events.Event{
		Type:       events.TypeRemainderDestroyed,
		ActorID:    req.ActorID,
		Source:     summary,
		OccurredAt: now,
	})

	return summary, nil
}

// destroyWeight moves weight from remaining to destroyed.
func destroyWeight(b *models.Batch, weight decimal.Decimal) error {
	if !b.Stage.IsWeightBased() {
		return apperr.New(apperr.IllegalTransition, "%s batch %s is unit counted, destroy units instead", b.Stage, b.BatchNumber)
	}
	if remaining := b.RemainingWeight(); weight.GreaterThan(remaining) {
		return apperr.New(apperr.InsufficientWeight, "cannot destroy %s from batch %s, %s remaining", weight, b.BatchNumber, remaining)
	}

	b.DestroyedWeight = b.DestroyedWeight.Add(weight)
	if err := b.CheckConservation(); err != nil {
		return apperr.Wrap(apperr.ConservationViolated, err)
	}
	return nil
}

// selectUnits loads the selected units and checks each belongs to b. Unknown,
// foreign and repeated IDs are InvalidSelection.
func selectUnits(ctx context.Context, tx store.LedgerTx, b *models.Batch, ids []uuid.UUID) ([]*models.Unit, error) {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, apperr.New(apperr.InvalidSelection, "unit %s selected more than once", id)
		}
		seen[id] = struct{}{}
	}

	units, err := tx.GetUnits(ctx, ids)
	if err != nil {
		return nil, err
	}

	found := make(map[uuid.UUID]*models.Unit, len(units))
	for _, u := range units {
		found[u.ID] = u
	}

	ordered := make([]*models.Unit, 0, len(ids))
	for _, id := range ids {
		u, ok := found[id]
		if !ok || u.BatchID != b.ID {
			return nil, apperr.New(apperr.InvalidSelection, "unit %s does not belong to batch %s", id, b.BatchNumber)
		}
		ordered = append(ordered, u)
	}

	return ordered, nil
}
