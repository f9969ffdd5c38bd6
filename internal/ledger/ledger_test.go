package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/events"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store/memory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memory.LedgerStore, *events.Recorder) {
	t.Helper()

	st := memory.NewLedgerStore()
	rec := &events.Recorder{}
	svc := New(st, WithClock(func() time.Time { return testDay }), WithPublisher(rec))
	return svc, st, rec
}

func createUnits(t *testing.T, svc *Service, stage models.Stage, quantity int) (*models.Batch, []*models.Unit) {
	t.Helper()
	ctx := context.Background()

	d := Destination{Stage: stage, Quantity: quantity, RoomID: "veg-1"}
	if stage == models.StagePackaging {
		d.UnitWeight = decimal.NewFromInt(5)
	}
	b, err := svc.CreateBatch(ctx, CreateBatchRequest{Destination: d, CreatedBy: uuid.New()})
	require.NoError(t, err)

	units, err := svc.ListUnits(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, units, quantity)

	return b, units
}

func createWeight(t *testing.T, svc *Service, stage models.Stage, weight string) *models.Batch {
	t.Helper()

	b, err := svc.CreateBatch(context.Background(), CreateBatchRequest{
		Destination: Destination{Stage: stage, Weight: decimal.RequireFromString(weight)},
		CreatedBy:   uuid.New(),
	})
	require.NoError(t, err)
	return b
}

func ids(units []*models.Unit) []uuid.UUID {
	return unitIDs(units)
}

func TestCreateBatch(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	actor := uuid.New()

	b, err := svc.CreateBatch(ctx, CreateBatchRequest{
		Destination: Destination{Stage: models.StageCutting, Quantity: 12, RoomID: "clone-room"},
		CreatedBy:   actor,
	})
	require.NoError(t, err)
	require.Equal(t, "CT:14:03:2026:0001", b.BatchNumber)
	require.Equal(t, 12, b.QuantityTotal)
	require.Equal(t, 12, b.ActiveCount)
	require.Equal(t, int64(1), b.Version)
	require.Equal(t, actor, b.CreatedBy)

	units, err := svc.ListUnits(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, units, 12)
	for _, u := range units {
		require.Equal(t, models.UnitActive, u.Status)
	}

	history, err := svc.Audit().ForBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, models.ActionBatchCreated, history[0].Action)
	require.Equal(t, actor, history[0].ActorID)
	require.Len(t, history[0].TargetUnitIDs, 12)

	second, err := svc.CreateBatch(ctx, CreateBatchRequest{
		Destination: Destination{Stage: models.StageCutting, Quantity: 1},
		CreatedBy:   actor,
	})
	require.NoError(t, err)
	require.Equal(t, "CT:14:03:2026:0002", second.BatchNumber)

	other, err := svc.CreateBatch(ctx, CreateBatchRequest{
		Destination: Destination{Stage: models.StageProcessing, Weight: decimal.NewFromInt(250)},
		CreatedBy:   actor,
	})
	require.NoError(t, err)
	require.Equal(t, "PR:14:03:2026:0001", other.BatchNumber)
	require.True(t, other.RemainingWeight().Equal(decimal.NewFromInt(250)))

	require.Len(t, rec.Events(), 3)
	require.Equal(t, events.TypeBatchCreated, rec.Events()[0].Type)
}

func TestCreateBatch_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	missing := uuid.New()

	tests := []struct {
		name string
		req  CreateBatchRequest
		want error
	}{
		{
			name: "zero quantity",
			req:  CreateBatchRequest{Destination: Destination{Stage: models.StageSeed}, CreatedBy: uuid.New()},
			want: apperr.InvalidQuantity,
		},
		{
			name: "negative quantity",
			req:  CreateBatchRequest{Destination: Destination{Stage: models.StageFlowering, Quantity: -3}, CreatedBy: uuid.New()},
			want: apperr.InvalidQuantity,
		},
		{
			name: "zero weight",
			req:  CreateBatchRequest{Destination: Destination{Stage: models.StageLabTesting}, CreatedBy: uuid.New()},
			want: apperr.InvalidQuantity,
		},
		{
			name: "packaging without unit weight",
			req:  CreateBatchRequest{Destination: Destination{Stage: models.StagePackaging, Quantity: 2}, CreatedBy: uuid.New()},
			want: apperr.InvalidQuantity,
		},
		{
			name: "no actor",
			req:  CreateBatchRequest{Destination: Destination{Stage: models.StageSeed, Quantity: 1}},
			want: apperr.ActorRequired,
		},
		{
			name: "unknown stage",
			req:  CreateBatchRequest{Destination: Destination{Stage: "drying", Quantity: 1}, CreatedBy: uuid.New()},
			want: apperr.InvalidRequest,
		},
		{
			name: "missing source batch",
			req:  CreateBatchRequest{Destination: Destination{Stage: models.StageSeed, Quantity: 1}, SourceBatchID: &missing, CreatedBy: uuid.New()},
			want: apperr.BatchNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateBatch(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCreateBatch_ConcurrentSequencesAreUnique(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	const n = 40
	numbers := make(chan string, n)

	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			b, err := svc.CreateBatch(ctx, CreateBatchRequest{
				Destination: Destination{Stage: models.StageSeed, Quantity: 1},
				CreatedBy:   uuid.New(),
			})
			if err != nil {
				t.Error(err)
				return
			}
			numbers <- b.BatchNumber
		})
	}
	wg.Wait()
	close(numbers)

	seen := make(map[int]bool, n)
	for number := range numbers {
		parsed, err := ParseBatchNumber(number)
		require.NoError(t, err)
		require.Equal(t, models.StageSeed, parsed.Stage)
		require.False(t, seen[parsed.Sequence], "duplicate sequence %d", parsed.Sequence)
		seen[parsed.Sequence] = true
	}
	require.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		require.True(t, seen[i], "missing sequence %d", i)
	}
}

func TestDestroyUnits_PartialDestroy(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	actor := uuid.New()

	b, units := createUnits(t, svc, models.StageFlowering, 5)

	summary, err := svc.DestroyUnits(ctx, DestroyUnitsRequest{
		BatchID:         b.ID,
		UnitIDs:         ids(units[:2]),
		ActorID:         actor,
		Reason:          "mold",
		ExpectedVersion: b.Version,
	})
	require.NoError(t, err)
	require.Equal(t, 5, summary.Total)
	require.Equal(t, 3, summary.Active)
	require.Equal(t, 2, summary.Destroyed)
	require.Equal(t, 0, summary.Converted)
	require.Equal(t, int64(2), summary.Version)

	after, err := svc.ListUnits(ctx, b.ID)
	require.NoError(t, err)

	destroyed := 0
	for _, u := range after {
		if u.Status != models.UnitDestroyed {
			require.Empty(t, u.DestroyReason)
			continue
		}
		destroyed++
		require.Equal(t, "mold", u.DestroyReason)
		require.Equal(t, actor, *u.DestroyedBy)
		require.Equal(t, testDay, *u.DestroyedAt)
	}
	require.Equal(t, 2, destroyed)

	history, err := svc.Audit().ForBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.ActionUnitsDestroyed, history[1].Action)
	require.Equal(t, "mold", history[1].Reason)
	require.Equal(t, "3", history[1].Details["active"])
	require.Equal(t, "2", history[1].Details["destroyed"])

	require.Equal(t, events.TypeUnitsDestroyed, rec.Events()[len(rec.Events())-1].Type)
}

func TestDestroyUnits_Errors(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b, units := createUnits(t, svc, models.StageCutting, 3)
	other, otherUnits := createUnits(t, svc, models.StageCutting, 1)
	weight := createWeight(t, svc, models.StageProcessing, "100")

	_, err := svc.DestroyUnits(ctx, DestroyUnitsRequest{
		BatchID: b.ID, UnitIDs: ids(units[:1]), ActorID: uuid.New(), ExpectedVersion: 1,
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  DestroyUnitsRequest
		want error
	}{
		{
			name: "no actor",
			req:  DestroyUnitsRequest{BatchID: b.ID, UnitIDs: ids(units[1:2]), ExpectedVersion: 2},
			want: apperr.ActorRequired,
		},
		{
			name: "empty selection",
			req:  DestroyUnitsRequest{BatchID: b.ID, ActorID: uuid.New(), ExpectedVersion: 2},
			want: apperr.InvalidSelection,
		},
		{
			name: "stale version",
			req:  DestroyUnitsRequest{BatchID: b.ID, UnitIDs: ids(units[1:2]), ActorID: uuid.New(), ExpectedVersion: 1},
			want: apperr.ConcurrentModification,
		},
		{
			name: "missing version",
			req:  DestroyUnitsRequest{BatchID: b.ID, UnitIDs: ids(units[1:2]), ActorID: uuid.New()},
			want: apperr.InvalidRequest,
		},
		{
			name: "already destroyed",
			req:  DestroyUnitsRequest{BatchID: b.ID, UnitIDs: ids(units[:2]), ActorID: uuid.New(), ExpectedVersion: 2},
			want: apperr.IllegalTransition,
		},
		{
			name: "unit from another batch",
			req:  DestroyUnitsRequest{BatchID: b.ID, UnitIDs: ids(otherUnits), ActorID: uuid.New(), ExpectedVersion: 2},
			want: apperr.InvalidSelection,
		},
		{
			name: "duplicate unit",
			req:  DestroyUnitsRequest{BatchID: b.ID, UnitIDs: []uuid.UUID{units[1].ID, units[1].ID}, ActorID: uuid.New(), ExpectedVersion: 2},
			want: apperr.InvalidSelection,
		},
		{
			name: "weight batch",
			req:  DestroyUnitsRequest{BatchID: weight.ID, UnitIDs: ids(units[1:2]), ActorID: uuid.New(), ExpectedVersion: 1},
			want: apperr.IllegalTransition,
		},
		{
			name: "unknown batch",
			req:  DestroyUnitsRequest{BatchID: uuid.New(), UnitIDs: ids(units[1:2]), ActorID: uuid.New(), ExpectedVersion: 1},
			want: apperr.BatchNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.DestroyUnits(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}

	// Nothing above may have changed either batch.
	got, err := svc.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.ActiveCount)
	require.Equal(t, 1, got.DestroyedCount)
	require.Equal(t, int64(2), got.Version)

	got, err = svc.GetBatch(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.ActiveCount)
}

func TestDestroyRemainder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	b := createWeight(t, svc, models.StageLabTesting, "12.5")

	summary, err := svc.DestroyRemainder(ctx, DestroyRemainderRequest{
		BatchID:         b.ID,
		Weight:          decimal.RequireFromString("2.5"),
		ActorID:         uuid.New(),
		Reason:          "lab sample",
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	require.True(t, summary.RemainingWeight.Equal(decimal.NewFromInt(10)))
	require.True(t, summary.DestroyedWeight.Equal(decimal.RequireFromString("2.5")))

	_, err = svc.DestroyRemainder(ctx, DestroyRemainderRequest{
		BatchID:         b.ID,
		Weight:          decimal.RequireFromString("10.01"),
		ActorID:         uuid.New(),
		ExpectedVersion: 2,
	})
	require.ErrorIs(t, err, apperr.InsufficientWeight)

	_, err = svc.DestroyRemainder(ctx, DestroyRemainderRequest{
		BatchID:         b.ID,
		Weight:          decimal.Zero,
		ActorID:         uuid.New(),
		ExpectedVersion: 2,
	})
	require.ErrorIs(t, err, apperr.InvalidQuantity)

	seed, _ := createUnits(t, svc, models.StageSeed, 2)
	_, err = svc.DestroyRemainder(ctx, DestroyRemainderRequest{
		BatchID:         seed.ID,
		Weight:          decimal.NewFromInt(1),
		ActorID:         uuid.New(),
		ExpectedVersion: 1,
	})
	require.ErrorIs(t, err, apperr.IllegalTransition)

	summary, err = svc.DestroyRemainder(ctx, DestroyRemainderRequest{
		BatchID:         b.ID,
		Weight:          decimal.NewFromInt(10),
		ActorID:         uuid.New(),
		ExpectedVersion: 2,
	})
	require.NoError(t, err)
	require.True(t, summary.RemainingWeight.IsZero())

	history, err := svc.Audit().ForBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "lab sample", history[1].Reason)
	require.Equal(t, "2.5", history[1].Details["weight"])
}

func TestCommitConversion_FullUnitConversion(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	actor := uuid.New()

	src, units := createUnits(t, svc, models.StageCutting, 10)

	res, err := svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: src.Version,
		ActorID:         actor,
		UnitIDs:         ids(units),
		Destinations:    []Destination{{Stage: models.StageFlowering, Quantity: 10, RoomID: "flower-2"}},
	})
	require.NoError(t, err)
	require.Equal(t, 10, res.Converted)
	require.Equal(t, 0, res.Source.Active)
	require.Equal(t, 10, res.Source.Converted)
	require.Equal(t, 10, res.Source.Total)
	require.Len(t, res.Destinations, 1)

	dest := res.Destinations[0]
	require.Equal(t, models.StageFlowering, dest.Stage)
	require.Equal(t, "FL:14:03:2026:0001", dest.BatchNumber)
	require.Equal(t, 10, dest.QuantityTotal)
	require.Equal(t, 10, dest.ActiveCount)
	require.Equal(t, src.ID, *dest.SourceBatchID)

	// Source rows stay for audit and point at the successor.
	srcUnits, err := svc.ListUnits(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, srcUnits, 10)
	lineage := make(map[uuid.UUID]bool, 10)
	for _, u := range srcUnits {
		require.Equal(t, models.UnitConverted, u.Status)
		require.Equal(t, dest.ID, *u.ConvertedToBatchID)
		require.Equal(t, actor, *u.ConvertedBy)
		lineage[u.ID] = true
	}

	destUnits, err := svc.ListUnits(ctx, dest.ID)
	require.NoError(t, err)
	require.Len(t, destUnits, 10)
	for _, u := range destUnits {
		require.Equal(t, models.UnitActive, u.Status)
		require.NotNil(t, u.SourceUnitID)
		require.True(t, lineage[*u.SourceUnitID])
		delete(lineage, *u.SourceUnitID)
	}
	require.Empty(t, lineage)

	history, err := svc.Audit().ForBatch(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	conv := history[1]
	require.Equal(t, models.ActionBatchConverted, conv.Action)
	require.Equal(t, "10", conv.Details["converted_units"])
	require.Equal(t, src.BatchNumber, conv.Details["source_batch_number"])
	require.Equal(t, dest.BatchNumber, conv.Details["destination_batch_numbers"])

	destHistory, err := svc.Audit().ForBatch(ctx, dest.ID)
	require.NoError(t, err)
	require.Len(t, destHistory, 1)
	require.Equal(t, src.BatchNumber, destHistory[0].Details["source_batch_number"])

	last := rec.Events()[len(rec.Events())-1]
	require.Equal(t, events.TypeBatchConverted, last.Type)
	require.Len(t, last.Destinations, 1)
}

func TestCommitConversion_StaleUnitRejectsWholePlan(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	src, units := createUnits(t, svc, models.StageFlowering, 4)

	summary, err := svc.DestroyUnits(ctx, DestroyUnitsRequest{
		BatchID: src.ID, UnitIDs: ids(units[3:]), ActorID: uuid.New(), Reason: "pests", ExpectedVersion: 1,
	})
	require.NoError(t, err)

	before := st.Snapshot()

	_, err = svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: summary.Version,
		ActorID:         uuid.New(),
		UnitIDs:         ids(units),
		Destinations:    []Destination{{Stage: models.StageHarvest, Quantity: 4}},
	})
	require.ErrorIs(t, err, apperr.InvalidSelection)
	require.Equal(t, before, st.Snapshot())

	after, err := svc.ListUnits(ctx, src.ID)
	require.NoError(t, err)
	active := 0
	for _, u := range after {
		if u.Status == models.UnitActive {
			active++
		}
	}
	require.Equal(t, 3, active)

	harvest, err := svc.ListBatches(ctx, models.BatchFilter{Stage: models.StageHarvest})
	require.NoError(t, err)
	require.Empty(t, harvest)
}

func TestCommitConversion_AllActiveResolvedInCommit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	src, units := createUnits(t, svc, models.StageCutting, 5)

	summary, err := svc.DestroyUnits(ctx, DestroyUnitsRequest{
		BatchID: src.ID, UnitIDs: ids(units[:2]), ActorID: uuid.New(), Reason: "root rot", ExpectedVersion: 1,
	})
	require.NoError(t, err)

	res, err := svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: summary.Version,
		ActorID:         uuid.New(),
		AllActive:       true,
		Destinations:    []Destination{{Stage: models.StageFlowering, Quantity: 3}},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, ids(units[2:]), res.ConvertedUnitIDs)
	require.Equal(t, 0, res.Source.Active)
	require.Equal(t, 2, res.Source.Destroyed)
	require.Equal(t, 3, res.Source.Converted)

	history, err := svc.Audit().ForBatch(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, models.ActionBatchConverted, history[len(history)-1].Action)
	require.ElementsMatch(t, ids(units[2:]), history[len(history)-1].TargetUnitIDs)

	_, err = svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: res.Source.Version,
		ActorID:         uuid.New(),
		AllActive:       true,
		Destinations:    []Destination{{Stage: models.StageFlowering, Quantity: 1}},
	})
	require.ErrorIs(t, err, apperr.InvalidSelection)
}

func TestCommitConversion_VersionConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	src, units := createUnits(t, svc, models.StageSeed, 6)

	first := Plan{
		SourceID:        src.ID,
		ExpectedVersion: src.Version,
		ActorID:         uuid.New(),
		UnitIDs:         ids(units[:3]),
		Destinations:    []Destination{{Stage: models.StageCutting, Quantity: 3}},
	}
	_, err := svc.CommitConversion(ctx, first)
	require.NoError(t, err)

	second := first
	second.UnitIDs = ids(units[3:])
	_, err = svc.CommitConversion(ctx, second)
	require.ErrorIs(t, err, apperr.ConcurrentModification)
	require.Equal(t, apperr.KindConcurrency, apperr.KindOf(err))

	second.ExpectedVersion = 2
	res, err := svc.CommitConversion(ctx, second)
	require.NoError(t, err)
	require.Equal(t, 0, res.Source.Active)
	require.Equal(t, 6, res.Source.Converted)
	require.Equal(t, int64(3), res.Source.Version)
}

func TestCommitConversion_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	src, units := createUnits(t, svc, models.StageCutting, 3)
	weight := createWeight(t, svc, models.StageProcessing, "50")

	tests := []struct {
		name string
		plan Plan
		want error
	}{
		{
			name: "skipping a stage",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, ActorID: uuid.New(), UnitIDs: ids(units), Destinations: []Destination{{Stage: models.StageHarvest, Quantity: 3}}},
			want: apperr.IllegalTransition,
		},
		{
			name: "backwards",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, ActorID: uuid.New(), UnitIDs: ids(units), Destinations: []Destination{{Stage: models.StageSeed, Quantity: 3}}},
			want: apperr.IllegalTransition,
		},
		{
			name: "quantity mismatch",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, ActorID: uuid.New(), UnitIDs: ids(units), Destinations: []Destination{{Stage: models.StageFlowering, Quantity: 2}}},
			want: apperr.ConservationViolated,
		},
		{
			name: "no selection",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, ActorID: uuid.New(), Destinations: []Destination{{Stage: models.StageFlowering, Quantity: 3}}},
			want: apperr.InvalidSelection,
		},
		{
			name: "all and listed units",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, ActorID: uuid.New(), AllActive: true, UnitIDs: ids(units[:1]), Destinations: []Destination{{Stage: models.StageFlowering, Quantity: 1}}},
			want: apperr.InvalidSelection,
		},
		{
			name: "all with quantity mismatch",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, ActorID: uuid.New(), AllActive: true, Destinations: []Destination{{Stage: models.StageFlowering, Quantity: 2}}},
			want: apperr.ConservationViolated,
		},
		{
			name: "all on weight batch",
			plan: Plan{SourceID: weight.ID, ExpectedVersion: 1, ActorID: uuid.New(), AllActive: true, Weight: decimal.NewFromInt(20), Destinations: []Destination{{Stage: models.StageLabTesting, Weight: decimal.NewFromInt(20)}}},
			want: apperr.InvalidSelection,
		},
		{
			name: "no actor",
			plan: Plan{SourceID: src.ID, ExpectedVersion: 1, UnitIDs: ids(units), Destinations: []Destination{{Stage: models.StageFlowering, Quantity: 3}}},
			want: apperr.ActorRequired,
		},
		{
			name: "weight plan exceeds remaining",
			plan: Plan{SourceID: weight.ID, ExpectedVersion: 1, ActorID: uuid.New(), Weight: decimal.NewFromInt(60), Destinations: []Destination{{Stage: models.StageLabTesting, Weight: decimal.NewFromInt(60)}}},
			want: apperr.InsufficientWeight,
		},
		{
			name: "weight plan destinations disagree",
			plan: Plan{SourceID: weight.ID, ExpectedVersion: 1, ActorID: uuid.New(), Weight: decimal.NewFromInt(20), Destinations: []Destination{{Stage: models.StageLabTesting, Weight: decimal.NewFromInt(25)}}},
			want: apperr.ConservationViolated,
		},
		{
			name: "units selected on weight batch",
			plan: Plan{SourceID: weight.ID, ExpectedVersion: 1, ActorID: uuid.New(), UnitIDs: ids(units), Weight: decimal.NewFromInt(20), Destinations: []Destination{{Stage: models.StageLabTesting, Weight: decimal.NewFromInt(20)}}},
			want: apperr.InvalidSelection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CommitConversion(ctx, tt.plan)
			require.ErrorIs(t, err, tt.want)
		})
	}

	got, err := svc.GetBatch(ctx, src.ID)
	require.NoError(t, err)
	require.Equal(t, 3, got.ActiveCount)
	require.Equal(t, int64(1), got.Version)
}

func TestCommitConversion_HarvestToProcessing(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	src, units := createUnits(t, svc, models.StageHarvest, 8)

	res, err := svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: 1,
		ActorID:         uuid.New(),
		UnitIDs:         ids(units[:5]),
		Destinations:    []Destination{{Stage: models.StageProcessing, Weight: decimal.RequireFromString("812.4")}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.Source.Active)
	require.Equal(t, 5, res.Source.Converted)

	dest := res.Destinations[0]
	require.True(t, dest.AvailableWeight.Equal(decimal.RequireFromString("812.4")))

	destUnits, err := svc.ListUnits(ctx, dest.ID)
	require.NoError(t, err)
	require.Empty(t, destUnits)
}

func TestCommitConversion_PackagingWithRemainder(t *testing.T) {
	svc, _, rec := newTestService(t)
	ctx := context.Background()
	actor := uuid.New()

	src := createWeight(t, svc, models.StageLabTesting, "47")

	res, err := svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: 1,
		ActorID:         actor,
		Weight:          decimal.NewFromInt(45),
		Remainder:       decimal.NewFromInt(2),
		RemainderReason: "packaging remainder",
		Destinations: []Destination{
			{Stage: models.StagePackaging, Quantity: 2, UnitWeight: decimal.NewFromInt(20)},
			{Stage: models.StagePackaging, Quantity: 1, UnitWeight: decimal.NewFromInt(5)},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Destinations, 2)
	require.True(t, res.ConvertedWeight.Equal(decimal.NewFromInt(45)))
	require.True(t, res.RemainderDestroyed.Equal(decimal.NewFromInt(2)))
	require.True(t, res.Source.AllocatedWeight.Equal(decimal.NewFromInt(45)))
	require.True(t, res.Source.DestroyedWeight.Equal(decimal.NewFromInt(2)))
	require.True(t, res.Source.RemainingWeight.IsZero())

	require.Equal(t, "PK:14:03:2026:0001", res.Destinations[0].BatchNumber)
	require.Equal(t, "PK:14:03:2026:0002", res.Destinations[1].BatchNumber)
	require.Equal(t, 2, res.Destinations[0].QuantityTotal)
	require.True(t, res.Destinations[0].UnitWeight.Equal(decimal.NewFromInt(20)))

	available, err := svc.AvailablePackagingUnits(ctx)
	require.NoError(t, err)
	require.Len(t, available, 3)

	history, err := svc.Audit().ForBatch(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, models.ActionBatchConverted, history[1].Action)
	require.Equal(t, "45", history[1].Details["converted_weight"])
	require.Equal(t, models.ActionRemainderDestroyed, history[2].Action)
	require.Equal(t, "packaging remainder", history[2].Reason)
	require.Equal(t, "2", history[2].Details["weight"])
	require.Less(t, history[1].Sequence, history[2].Sequence)
	require.Len(t, res.AuditSequences, 2)

	types := make([]string, 0, 2)
	for _, evt := range rec.Events()[1:] {
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{events.TypeBatchConverted, events.TypeRemainderDestroyed}, types)
}

func TestCommitConversion_RemainderOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	src := createWeight(t, svc, models.StageLabTesting, "3")

	res, err := svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: 1,
		ActorID:         uuid.New(),
		Remainder:       decimal.NewFromInt(3),
		RemainderReason: "packaging remainder",
	})
	require.NoError(t, err)
	require.Empty(t, res.Destinations)
	require.True(t, res.Source.DestroyedWeight.Equal(decimal.NewFromInt(3)))
	require.True(t, res.Source.RemainingWeight.IsZero())

	history, err := svc.Audit().ForBatch(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, models.ActionRemainderDestroyed, history[1].Action)
}

func TestConservationHoldsAcrossMutations(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	src, units := createUnits(t, svc, models.StageSeed, 20)

	summary, err := svc.DestroyUnits(ctx, DestroyUnitsRequest{
		BatchID: src.ID, UnitIDs: ids(units[:4]), ActorID: uuid.New(), Reason: "damping off", ExpectedVersion: 1,
	})
	require.NoError(t, err)

	res, err := svc.CommitConversion(ctx, Plan{
		SourceID:        src.ID,
		ExpectedVersion: summary.Version,
		ActorID:         uuid.New(),
		UnitIDs:         ids(units[4:15]),
		Destinations:    []Destination{{Stage: models.StageCutting, Quantity: 11}},
	})
	require.NoError(t, err)

	batches, err := svc.ListBatches(ctx, models.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batches, 2)
	for _, b := range batches {
		require.NoError(t, b.CheckConservation())
	}

	require.Equal(t, 5, res.Source.Active)
	require.Equal(t, 4, res.Source.Destroyed)
	require.Equal(t, 11, res.Source.Converted)
	require.Equal(t, 20, res.Source.Active+res.Source.Destroyed+res.Source.Converted)
}

func TestParseBatchNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    BatchNumber
		wantErr bool
	}{
		{in: "CT:14:03:2026:0001", want: BatchNumber{Stage: models.StageCutting, Day: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), Sequence: 1}},
		{in: "PK:01:12:2025:0420", want: BatchNumber{Stage: models.StagePackaging, Day: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), Sequence: 420}},
		{in: "XX:14:03:2026:0001", wantErr: true},
		{in: "CT:14:03:2026", wantErr: true},
		{in: "CT:31:02:2026:0001", wantErr: true},
		{in: "CT:14:03:2026:0000", wantErr: true},
		{in: "CT:14:03:2026:abcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBatchNumber(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, FormatBatchNumber(got.Stage, got.Day, got.Sequence))
		})
	}
}

func TestFormatBatchNumber_UsesUTC(t *testing.T) {
	tz := time.FixedZone("AEST", 10*60*60)
	local := time.Date(2026, 3, 15, 8, 0, 0, 0, tz) // 14 Mar 22:00 UTC

	require.Equal(t, "HV:14:03:2026:0007", FormatBatchNumber(models.StageHarvest, local, 7))
}
