//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/conversion"
	"github.com/canopyworks/custody/internal/ledger"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{
		ConnString:  fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestIntegration_Ledger(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)

	// Migrations are idempotent.
	require.NoError(t, postgres.Migrate(ctx, pool))

	day := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	svc := ledger.New(postgres.NewLedgerStore(pool), ledger.WithClock(func() time.Time { return day }))
	engine := conversion.New(svc, nil)
	actor := uuid.New()

	t.Run("concurrent batch numbers are unique", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			numbers = make(map[string]bool)
		)
		for range 20 {
			wg.Go(func() {
				b, err := svc.CreateBatch(ctx, ledger.CreateBatchRequest{
					Destination: ledger.Destination{Stage: models.StageSeed, Quantity: 2},
					CreatedBy:   actor,
				})
				require.NoError(t, err)
				mu.Lock()
				numbers[b.BatchNumber] = true
				mu.Unlock()
			})
		}
		wg.Wait()

		require.Len(t, numbers, 20)
		for i := 1; i <= 20; i++ {
			require.True(t, numbers[fmt.Sprintf("SD:14:03:2026:%04d", i)])
		}
	})

	t.Run("destroy then convert the rest", func(t *testing.T) {
		b, err := svc.CreateBatch(ctx, ledger.CreateBatchRequest{
			Destination: ledger.Destination{Stage: models.StageFlowering, Quantity: 10, RoomID: "flower-1"},
			CreatedBy:   actor,
		})
		require.NoError(t, err)

		units, err := svc.ListUnits(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, units, 10)

		summary, err := svc.DestroyUnits(ctx, ledger.DestroyUnitsRequest{
			BatchID:         b.ID,
			UnitIDs:         []uuid.UUID{units[0].ID, units[1].ID},
			ActorID:         actor,
			Reason:          "mold",
			ExpectedVersion: b.Version,
		})
		require.NoError(t, err)
		require.Equal(t, 8, summary.Active)
		require.Equal(t, 2, summary.Destroyed)

		// The same version again is a stale write.
		_, err = svc.DestroyUnits(ctx, ledger.DestroyUnitsRequest{
			BatchID:         b.ID,
			UnitIDs:         []uuid.UUID{units[2].ID},
			ActorID:         actor,
			Reason:          "mold",
			ExpectedVersion: b.Version,
		})
		require.ErrorIs(t, err, apperr.ConcurrentModification)

		res, err := engine.Convert(ctx, conversion.Request{
			SourceID:        b.ID,
			ExpectedVersion: summary.Version,
			ActorID:         actor,
			All:             true,
		})
		require.NoError(t, err)
		require.Equal(t, 8, res.Converted)
		require.Equal(t, 0, res.Source.Active)
		require.Equal(t, 10, res.Source.Destroyed+res.Source.Converted)

		harvest := res.Destinations[0]
		require.Equal(t, models.StageHarvest, harvest.Stage)
		require.Equal(t, "flower-1", harvest.RoomID)

		lineage, err := svc.ListUnits(ctx, harvest.ID)
		require.NoError(t, err)
		require.Len(t, lineage, 8)
		for _, u := range lineage {
			require.NotNil(t, u.SourceUnitID)
		}

		history, err := svc.Audit().ForBatch(ctx, b.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(history), 3)
		for i := 1; i < len(history); i++ {
			require.Greater(t, history[i].Sequence, history[i-1].Sequence)
		}
		require.Equal(t, "mold", history[1].Reason)
	})

	t.Run("packaging keeps exact decimals", func(t *testing.T) {
		lab, err := svc.CreateBatch(ctx, ledger.CreateBatchRequest{
			Destination: ledger.Destination{Stage: models.StageLabTesting, Weight: decimal.RequireFromString("47.25")},
			CreatedBy:   actor,
		})
		require.NoError(t, err)

		res, err := engine.Convert(ctx, conversion.Request{
			SourceID:        lab.ID,
			ExpectedVersion: lab.Version,
			ActorID:         actor,
			PackageSizes:    []decimal.Decimal{decimal.RequireFromString("10"), decimal.RequireFromString("5")},
		})
		require.NoError(t, err)
		require.True(t, res.ConvertedWeight.Equal(decimal.RequireFromString("45")), res.ConvertedWeight.String())
		require.True(t, res.RemainderDestroyed.Equal(decimal.RequireFromString("2.25")))

		stored, err := svc.GetBatch(ctx, lab.ID)
		require.NoError(t, err)
		require.True(t, stored.RemainingWeight().IsZero())
		require.True(t, stored.AllocatedWeight.Equal(decimal.RequireFromString("45")))

		available, err := svc.AvailablePackagingUnits(ctx)
		require.NoError(t, err)
		require.Len(t, available, 5)
	})

	t.Run("audit after pages in order", func(t *testing.T) {
		page, err := svc.Audit().After(ctx, 0, 5)
		require.NoError(t, err)
		require.Len(t, page, 5)
		require.Equal(t, int64(1), page[0].Sequence)
		require.Equal(t, int64(5), page[4].Sequence)

		all, err := svc.Audit().After(ctx, 0, 0)
		require.NoError(t, err)
		require.Greater(t, len(all), 5)
	})
}

func TestIntegration_Members(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)
	members := postgres.NewMemberStore(pool)

	alice := &models.Member{ID: uuid.New(), DisplayName: "Alice", Credentials: []string{"fp-a"}, CreatedAt: time.Now()}
	require.NoError(t, members.Create(ctx, alice))

	err := members.Create(ctx, alice)
	require.ErrorIs(t, err, apperr.DuplicateMember)

	bo := &models.Member{ID: uuid.New(), DisplayName: "Bo", Credentials: []string{"fp-a"}, CreatedAt: time.Now()}
	require.ErrorIs(t, members.Create(ctx, bo), apperr.CredentialInUse)
	bo.Credentials = nil
	require.NoError(t, members.Create(ctx, bo))

	require.NoError(t, members.AddCredential(ctx, alice.ID, "fp-a"))
	require.NoError(t, members.AddCredential(ctx, alice.ID, "fp-a2"))
	require.ErrorIs(t, members.AddCredential(ctx, bo.ID, "fp-a2"), apperr.CredentialInUse)
	require.ErrorIs(t, members.AddCredential(ctx, uuid.New(), "fp-x"), apperr.MemberNotFound)

	got, err := members.GetByCredential(ctx, "fp-a2")
	require.NoError(t, err)
	require.Equal(t, alice.ID, got.ID)
	require.ElementsMatch(t, []string{"fp-a", "fp-a2"}, got.Credentials)

	_, err = members.GetByCredential(ctx, "nope")
	require.ErrorIs(t, err, apperr.MemberNotFound)

	require.NoError(t, members.Disable(ctx, alice.ID))
	got, err = members.Get(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, got.IsDisabled())

	list, err := members.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Alice", list[0].DisplayName)
	require.Empty(t, list[1].Credentials)
}
