package store

import (
	"context"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
	"github.com/google/uuid"
)

// Sentinel errors for common error conditions. They are apperr values so the
// HTTP layer can map them without knowing which backend produced them.
var (
	ErrBatchNotFound       = apperr.BatchNotFound
	ErrMemberNotFound      = apperr.MemberNotFound
	ErrSessionNotFound     = apperr.SessionNotFound
	ErrSessionActive       = apperr.SessionAlreadyActive
	ErrVersionConflict     = apperr.ConcurrentModification
	ErrUnavailable         = apperr.StorageUnavailable
	ErrCredentialAssigned  = apperr.CredentialInUse
	ErrMemberAlreadyExists = apperr.DuplicateMember
)

// LedgerReader serves reads outside of a transaction.
type LedgerReader interface {
	GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error)
	ListBatches(ctx context.Context, filter models.BatchFilter) ([]*models.Batch, error)
	ListUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error)

	// AvailablePackagingUnits returns active units of packaging batches.
	AvailablePackagingUnits(ctx context.Context) ([]*models.AvailableUnit, error)

	// AuditForBatch returns entries targeting batchID, oldest first.
	AuditForBatch(ctx context.Context, batchID uuid.UUID) ([]*models.AuditEntry, error)

	// AuditAfter returns up to limit entries with Sequence > after, in sequence order.
	AuditAfter(ctx context.Context, after int64, limit int) ([]*models.AuditEntry, error)
}

// LedgerTx is the view of the ledger inside one atomic commit. Nothing written
// through it is visible to readers until RunInTx returns nil.
type LedgerTx interface {
	// GetBatch returns the batch and, on backends that support it, locks it
	// until the transaction ends.
	GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error)

	// GetUnits returns the units with the given IDs. Unknown IDs are omitted.
	GetUnits(ctx context.Context, ids []uuid.UUID) ([]*models.Unit, error)

	// ActiveUnits returns every active unit of a batch.
	ActiveUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error)

	InsertBatch(ctx context.Context, batch *models.Batch) error

	// UpdateBatch writes batch if the stored version equals expectedVersion,
	// otherwise it fails with ErrVersionConflict. On success batch.Version is
	// expectedVersion+1.
	UpdateBatch(ctx context.Context, batch *models.Batch, expectedVersion int64) error

	InsertUnits(ctx context.Context, units []*models.Unit) error
	UpdateUnits(ctx context.Context, units []*models.Unit) error

	// NextSequence atomically increments and returns the batch number
	// sequence for stage on the given UTC day.
	NextSequence(ctx context.Context, stage models.Stage, day time.Time) (int, error)

	// AppendAudit assigns entry.Sequence and stores the entry.
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}

// LedgerStore is the source of truth for batches, units and the audit trail.
type LedgerStore interface {
	LedgerReader

	// RunInTx runs fn in a transaction, committing only if fn returns nil.
	RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// MemberStore manages members and their badge credentials.
type MemberStore interface {
	Create(ctx context.Context, member *models.Member) error
	Get(ctx context.Context, id uuid.UUID) (*models.Member, error)

	// GetByCredential resolves a badge fingerprint to its member.
	GetByCredential(ctx context.Context, fingerprint string) (*models.Member, error)

	List(ctx context.Context) ([]*models.Member, error)
	AddCredential(ctx context.Context, id uuid.UUID, fingerprint string) error
	Disable(ctx context.Context, id uuid.UUID) error
}

// SessionStore holds authorization sessions. A holder has at most one open
// session; Create enforces this atomically.
type SessionStore interface {
	Create(ctx context.Context, session *models.AuthorizationSession) error
	Get(ctx context.Context, id uuid.UUID) (*models.AuthorizationSession, error)

	// GetByHolder returns the holder's latest session.
	GetByHolder(ctx context.Context, holder string) (*models.AuthorizationSession, error)

	// Update applies fn to the stored session under the store lock. If fn
	// returns an error nothing is written.
	Update(ctx context.Context, id uuid.UUID, fn func(*models.AuthorizationSession) error) (*models.AuthorizationSession, error)

	List(ctx context.Context) ([]*models.AuthorizationSession, error)

	// DeleteFinishedBefore removes terminal sessions finished before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
