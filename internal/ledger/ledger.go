// Package ledger is the single source of truth for batches and units. Every
// mutation runs in one store transaction that checks the batch version stamp,
// applies lifecycle rules, verifies conservation and appends the audit entry,
// so a mutation either lands completely or not at all.
package ledger

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/audit"
	"github.com/canopyworks/custody/internal/events"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/canopyworks/custody/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Service struct {
	store     store.LedgerStore
	audit     *audit.Log
	publisher events.Publisher
	now       func() time.Time
	metrics   *telemetry.Metrics
}

type Option func(*Service)

// WithClock overrides the clock used for timestamps and batch number dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithPublisher sets where committed mutations are announced.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func New(st store.LedgerStore, opts ...Option) *Service {
	s := &Service{
		store:     st,
		publisher: events.Noop{},
		now:       time.Now,
		metrics:   telemetry.GetMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.audit = audit.NewLog(st, s.now)
	return s
}

// Audit exposes the audit log backed by the same store.
func (s *Service) Audit() *audit.Log {
	return s.audit
}

// Destination describes one batch created by a mutation.
type Destination struct {
	Stage      models.Stage
	Quantity   int             // unit-counted stages
	Weight     decimal.Decimal // weight-based stages
	UnitWeight decimal.Decimal // packaging only
	RoomID     string
}

type CreateBatchRequest struct {
	Destination
	SourceBatchID *uuid.UUID
	CreatedBy     uuid.UUID
}

// Validate checks the request shape without touching the ledger.
func (r CreateBatchRequest) Validate() error {
	if !r.Stage.Valid() {
		return apperr.New(apperr.InvalidRequest, "unknown stage %q", r.Stage)
	}
	return r.Destination.Validate()
}

// CreateBatch creates a batch, numbering it from the per stage per day sequence.
// Unit-counted batches get Quantity active units.
func (s *Service) CreateBatch(ctx context.Context, req CreateBatchRequest) (*models.Batch, error) {
	if req.CreatedBy == uuid.Nil {
		return nil, apperr.New(apperr.ActorRequired, "created_by is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()

	var created *models.Batch
	err := s.run(ctx, "create_batch", func(tx store.LedgerTx) error {
		if req.SourceBatchID != nil {
			if _, err := tx.GetBatch(ctx, *req.SourceBatchID); err != nil {
				return err
			}
		}

		b, units, err := insertBatch(ctx, tx, req.Destination, req.SourceBatchID, nil, req.CreatedBy, now)
		if err != nil {
			return err
		}

		entry := &models.AuditEntry{
			ActorID:       req.CreatedBy,
			Action:        models.ActionBatchCreated,
			TargetBatchID: b.ID,
			TargetUnitIDs: unitIDs(units),
			Details:       summaryDetails(b, ""),
		}
		if err := s.audit.Append(ctx, tx, entry); err != nil {
			return err
		}

		created = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.BatchesCreatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(created.Stage))))
	s.publish(ctx, events.Event{
		Type:       events.TypeBatchCreated,
		ActorID:    req.CreatedBy,
		Source:     created.Summary(),
		OccurredAt: now,
	})

	return created, nil
}

func (s *Service) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

func (s *Service) ListBatches(ctx context.Context, filter models.BatchFilter) ([]*models.Batch, error) {
	batches, err := s.store.ListBatches(ctx, filter)
	if err != nil {
		return nil, classify(err)
	}
	return batches, nil
}

func (s *Service) ListUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error) {
	units, err := s.store.ListUnits(ctx, batchID)
	if err != nil {
		return nil, classify(err)
	}
	return units, nil
}

// AvailablePackagingUnits lists packaged units that can still be distributed.
func (s *Service) AvailablePackagingUnits(ctx context.Context) ([]*models.AvailableUnit, error) {
	units, err := s.store.AvailablePackagingUnits(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return units, nil
}

// run executes fn in a store transaction with tracing and metrics, and
// normalises storage failures to StorageUnavailable.
func (s *Service) run(ctx context.Context, op string, fn func(tx store.LedgerTx) error) error {
	ctx, span := telemetry.StartSpan(ctx, "ledger."+op)
	started := time.Now()

	err := classify(s.store.RunInTx(ctx, fn))

	opAttr := attribute.String("op", op)
	s.metrics.LedgerCommitDuration.Record(ctx, float64(time.Since(started).Milliseconds()), metric.WithAttributes(opAttr))
	if err != nil {
		s.metrics.LedgerCommitErrorTotal.Add(ctx, 1, metric.WithAttributes(opAttr, attribute.String("kind", string(apperr.KindOf(err)))))
		if errors.Is(err, apperr.ConcurrentModification) {
			s.metrics.ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(opAttr))
		}
	}

	telemetry.EndSpan(span, err)
	return err
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	evt.ID = uuid.Must(uuid.NewV7())
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.metrics.EventPublishErrorsTotal.Add(ctx, 1)
		zerolog.Ctx(ctx).Warn().Err(err).Str("type", evt.Type).Str("batch", evt.Source.BatchNumber).Msg("failed to publish ledger event")
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Wrap(apperr.StorageUnavailable, err)
}

// Validate checks the quantity or weight the destination stage requires.
func (d Destination) Validate() error {
	if d.Stage.IsWeightBased() {
		if !d.Weight.IsPositive() {
			return apperr.New(apperr.InvalidQuantity, "%s batch weight must be greater than zero, got %s", d.Stage, d.Weight)
		}
		return nil
	}

	if d.Quantity <= 0 {
		return apperr.New(apperr.InvalidQuantity, "%s batch quantity must be greater than zero, got %d", d.Stage, d.Quantity)
	}
	if d.Stage == models.StagePackaging && !d.UnitWeight.IsPositive() {
		return apperr.New(apperr.InvalidQuantity, "packaging unit weight must be greater than zero, got %s", d.UnitWeight)
	}
	return nil
}

// insertBatch numbers and stores a new batch with its units. When lineage is
// given it must hold one source unit per new unit.
func insertBatch(ctx context.Context, tx store.LedgerTx, d Destination, sourceBatchID *uuid.UUID, lineage []*models.Unit, actor uuid.UUID, now time.Time) (*models.Batch, []*models.Unit, error) {
	seq, err := tx.NextSequence(ctx, d.Stage, now)
	if err != nil {
		return nil, nil, err
	}

	b := &models.Batch{
		ID:            uuid.Must(uuid.NewV7()),
		BatchNumber:   FormatBatchNumber(d.Stage, now, seq),
		Stage:         d.Stage,
		SourceBatchID: sourceBatchID,
		RoomID:        d.RoomID,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}

	if d.Stage.IsWeightBased() {
		b.AvailableWeight = d.Weight
	} else {
		b.QuantityTotal = d.Quantity
		b.ActiveCount = d.Quantity
		if d.Stage == models.StagePackaging {
			b.UnitWeight = d.UnitWeight
		}
	}

	if err := b.CheckConservation(); err != nil {
		return nil, nil, apperr.Wrap(apperr.ConservationViolated, err)
	}
	if err := tx.InsertBatch(ctx, b); err != nil {
		return nil, nil, err
	}

	if d.Stage.IsWeightBased() {
		return b, nil, nil
	}

	if lineage != nil && len(lineage) != d.Quantity {
		return nil, nil, apperr.New(apperr.ConservationViolated, "%d source units for %d new units", len(lineage), d.Quantity)
	}

	units := make([]*models.Unit, 0, d.Quantity)
	for i := range d.Quantity {
		u := &models.Unit{
			ID:        uuid.Must(uuid.NewV7()),
			BatchID:   b.ID,
			Status:    models.UnitActive,
			CreatedAt: now,
		}
		if lineage != nil {
			src := lineage[i].ID
			u.SourceUnitID = &src
		}
		units = append(units, u)
	}

	if err := tx.InsertUnits(ctx, units); err != nil {
		return nil, nil, err
	}

	return b, units, nil
}

func checkVersion(b *models.Batch, expected int64) error {
	if expected <= 0 {
		return apperr.New(apperr.InvalidRequest, "expected version is required")
	}
	if b.Version != expected {
		return apperr.New(apperr.ConcurrentModification, "batch %s is at version %d, expected %d", b.BatchNumber, b.Version, expected)
	}
	return nil
}

func unitIDs(units []*models.Unit) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	return ids
}

// summaryDetails records the resulting counts on an audit entry so the
// history alone reconciles against physical inventory.
func summaryDetails(b *models.Batch, prefix string) map[string]string {
	d := map[string]string{
		prefix + "batch_number": b.BatchNumber,
		prefix + "stage":        string(b.Stage),
		prefix + "version":      strconv.FormatInt(b.Version, 10),
	}
	if b.Stage.IsWeightBased() {
		d[prefix+"available_weight"] = b.AvailableWeight.String()
		d[prefix+"allocated_weight"] = b.AllocatedWeight.String()
		d[prefix+"destroyed_weight"] = b.DestroyedWeight.String()
		d[prefix+"remaining_weight"] = b.RemainingWeight().String()
		return d
	}
	d[prefix+"total"] = strconv.Itoa(b.QuantityTotal)
	d[prefix+"active"] = strconv.Itoa(b.ActiveCount)
	d[prefix+"destroyed"] = strconv.Itoa(b.DestroyedCount)
	d[prefix+"converted"] = strconv.Itoa(b.ConvertedCount)
	return d
}
