package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ store.LedgerStore = (*LedgerStore)(nil)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerStore implements store.LedgerStore using PostgreSQL. Batches are
// locked with SELECT ... FOR UPDATE inside a transaction and written with a
// version check, so concurrent commits on different batches run in parallel.
type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const batchColumns = `
	batch_id, batch_number, stage, source_batch_id, room_id,
	quantity_total, active_count, destroyed_count, converted_count,
	available_weight, allocated_weight, destroyed_weight, unit_weight,
	created_by, created_at, updated_at, version`

const unitColumns = `
	unit_id, batch_id, status, source_unit_id, created_at,
	destroyed_at, destroyed_by, destroy_reason,
	converted_at, converted_by, converted_to_batch_id`

const auditColumns = `
	sequence, entry_id, actor_id, action, target_batch_id,
	target_unit_ids, reason, details, created_at`

func scanBatch(row pgx.Row) (*models.Batch, error) {
	var b models.Batch
	err := row.Scan(
		&b.ID, &b.BatchNumber, &b.Stage, &b.SourceBatchID, &b.RoomID,
		&b.QuantityTotal, &b.ActiveCount, &b.DestroyedCount, &b.ConvertedCount,
		&b.AvailableWeight, &b.AllocatedWeight, &b.DestroyedWeight, &b.UnitWeight,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func scanUnit(row pgx.Row) (*models.Unit, error) {
	var u models.Unit
	err := row.Scan(
		&u.ID, &u.BatchID, &u.Status, &u.SourceUnitID, &u.CreatedAt,
		&u.DestroyedAt, &u.DestroyedBy, &u.DestroyReason,
		&u.ConvertedAt, &u.ConvertedBy, &u.ConvertedToBatchID,
	)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func scanAudit(row pgx.Row) (*models.AuditEntry, error) {
	var e models.AuditEntry
	err := row.Scan(
		&e.Sequence, &e.ID, &e.ActorID, &e.Action, &e.TargetBatchID,
		&e.TargetUnitIDs, &e.Reason, &e.Details, &e.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	if len(e.TargetUnitIDs) == 0 {
		e.TargetUnitIDs = nil
	}
	if len(e.Details) == 0 {
		e.Details = nil
	}
	return &e, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return out, nil
}

func getBatch(ctx context.Context, q querier, id uuid.UUID, lock bool) (*models.Batch, error) {
	query := `SELECT` + batchColumns + ` FROM batches WHERE batch_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	b, err := scanBatch(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", mapPostgresError(err))
	}
	return b, nil
}

func (s *LedgerStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	return getBatch(ctx, s.pool, id, false)
}

func (s *LedgerStore) ListBatches(ctx context.Context, filter models.BatchFilter) ([]*models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+batchColumns+`
		FROM batches
		WHERE ($1 = '' OR stage = $1) AND ($2 = '' OR room_id = $2)
		ORDER BY created_at, batch_id
	`, string(filter.Stage), filter.RoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", mapPostgresError(err))
	}
	return collect(rows, scanBatch)
}

func (s *LedgerStore) ListUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error) {
	if _, err := s.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT`+unitColumns+`
		FROM units
		WHERE batch_id = $1
		ORDER BY seq
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", mapPostgresError(err))
	}
	return collect(rows, scanUnit)
}

func (s *LedgerStore) AvailablePackagingUnits(ctx context.Context) ([]*models.AvailableUnit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.unit_id, u.batch_id, u.status, u.source_unit_id, u.created_at,
			b.batch_number, b.unit_weight, b.room_id
		FROM units u
		JOIN batches b ON b.batch_id = u.batch_id
		WHERE b.stage = $1 AND u.status = 'active'
		ORDER BY b.created_at, b.batch_id, u.seq
	`, string(models.StagePackaging))
	if err != nil {
		return nil, fmt.Errorf("failed to list available units: %w", mapPostgresError(err))
	}

	return collect(rows, func(row pgx.Row) (*models.AvailableUnit, error) {
		var au models.AvailableUnit
		err := row.Scan(
			&au.ID, &au.BatchID, &au.Status, &au.SourceUnitID, &au.CreatedAt,
			&au.BatchNumber, &au.UnitWeight, &au.RoomID,
		)
		if err != nil {
			return nil, err
		}
		au.CreatedAt = au.CreatedAt.UTC()
		return &au, nil
	})
}

func (s *LedgerStore) AuditForBatch(ctx context.Context, batchID uuid.UUID) ([]*models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+auditColumns+`
		FROM audit_log
		WHERE target_batch_id = $1
		ORDER BY sequence
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", mapPostgresError(err))
	}
	return collect(rows, scanAudit)
}

func (s *LedgerStore) AuditAfter(ctx context.Context, after int64, limit int) ([]*models.AuditEntry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT`+auditColumns+`
		FROM audit_log
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, after, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", mapPostgresError(err))
	}
	return collect(rows, scanAudit)
}

// RunInTx runs fn in a READ COMMITTED transaction. Row locks taken through
// the LedgerTx serialize writers of the same batch.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
	return mapPostgresError(err)
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	return getBatch(ctx, t.tx, id, true)
}

func (t *ledgerTx) GetUnits(ctx context.Context, ids []uuid.UUID) ([]*models.Unit, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT`+unitColumns+`
		FROM units
		WHERE unit_id = ANY($1)
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get units: %w", mapPostgresError(err))
	}
	found, err := collect(rows, scanUnit)
	if err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*models.Unit, len(found))
	for _, u := range found {
		byID[u.ID] = u
	}
	out := make([]*models.Unit, 0, len(found))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
			delete(byID, id)
		}
	}
	return out, nil
}

func (t *ledgerTx) ActiveUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT`+unitColumns+`
		FROM units
		WHERE batch_id = $1 AND status = 'active'
		ORDER BY seq
		FOR UPDATE
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active units: %w", mapPostgresError(err))
	}
	return collect(rows, scanUnit)
}

func (t *ledgerTx) InsertBatch(ctx context.Context, b *models.Batch) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		b.ID, b.BatchNumber, string(b.Stage), b.SourceBatchID, b.RoomID,
		b.QuantityTotal, b.ActiveCount, b.DestroyedCount, b.ConvertedCount,
		b.AvailableWeight, b.AllocatedWeight, b.DestroyedWeight, b.UnitWeight,
		b.CreatedBy, b.CreatedAt, b.UpdatedAt, b.Version,
	)
	if isUniqueViolation(err, "batches_pkey") {
		return store.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", mapPostgresError(err))
	}
	return nil
}

func (t *ledgerTx) UpdateBatch(ctx context.Context, b *models.Batch, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE batches SET
			active_count = $3, destroyed_count = $4, converted_count = $5,
			allocated_weight = $6, destroyed_weight = $7,
			updated_at = $8, version = version + 1
		WHERE batch_id = $1 AND version = $2
	`,
		b.ID, expectedVersion,
		b.ActiveCount, b.DestroyedCount, b.ConvertedCount,
		b.AllocatedWeight, b.DestroyedWeight,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", mapPostgresError(err))
	}

	if tag.RowsAffected() == 0 {
		if _, err := getBatch(ctx, t.tx, b.ID, false); err != nil {
			return err
		}
		return store.ErrVersionConflict
	}

	b.Version = expectedVersion + 1
	return nil
}

func (t *ledgerTx) InsertUnits(ctx context.Context, units []*models.Unit) error {
	if len(units) == 0 {
		return nil
	}

	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"units"},
		[]string{"unit_id", "batch_id", "status", "source_unit_id", "created_at"},
		pgx.CopyFromSlice(len(units), func(i int) ([]any, error) {
			u := units[i]
			return []any{u.ID, u.BatchID, string(u.Status), u.SourceUnitID, u.CreatedAt}, nil
		}),
	)
	if isUniqueViolation(err, "units_pkey") {
		return store.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert units: %w", mapPostgresError(err))
	}
	return nil
}

func (t *ledgerTx) UpdateUnits(ctx context.Context, units []*models.Unit) error {
	if len(units) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, u := range units {
		batch.Queue(`
			UPDATE units SET
				status = $2,
				destroyed_at = $3, destroyed_by = $4, destroy_reason = $5,
				converted_at = $6, converted_by = $7, converted_to_batch_id = $8
			WHERE unit_id = $1
		`,
			u.ID, string(u.Status),
			u.DestroyedAt, u.DestroyedBy, u.DestroyReason,
			u.ConvertedAt, u.ConvertedBy, u.ConvertedToBatchID,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()

	for range units {
		tag, err := results.Exec()
		if err != nil {
			return fmt.Errorf("failed to update units: %w", mapPostgresError(err))
		}
		if tag.RowsAffected() == 0 {
			return store.ErrBatchNotFound
		}
	}
	return results.Close()
}

func (t *ledgerTx) NextSequence(ctx context.Context, stage models.Stage, day time.Time) (int, error) {
	var seq int
	err := t.tx.QueryRow(ctx, `
		INSERT INTO batch_sequences (stage, day, last_seq)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (stage, day) DO UPDATE SET last_seq = batch_sequences.last_seq + 1
		RETURNING last_seq
	`, string(stage), day.UTC().Format(time.DateOnly)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate batch sequence: %w", mapPostgresError(err))
	}
	return seq, nil
}

// AppendAudit takes the next sequence from audit_head. The row lock is held
// until commit, so sequences are gap free and visible in order.
func (t *ledgerTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	var seq int64
	if err := t.tx.QueryRow(ctx, `UPDATE audit_head SET last_seq = last_seq + 1 RETURNING last_seq`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate audit sequence: %w", mapPostgresError(err))
	}

	unitIDs := e.TargetUnitIDs
	if unitIDs == nil {
		unitIDs = []uuid.UUID{}
	}
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, seq, e.ID, e.ActorID, e.Action, e.TargetBatchID, unitIDs, e.Reason, details, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", mapPostgresError(err))
	}

	e.Sequence = seq
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == constraint
}
