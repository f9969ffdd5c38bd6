// Package audit records and exports the append-only history of every
// committed ledger mutation.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
)

// Log appends entries inside ledger transactions and serves batch histories.
// There is no update or delete.
type Log struct {
	reader store.LedgerReader
	now    func() time.Time
}

func NewLog(reader store.LedgerReader, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	return &Log{reader: reader, now: now}
}

// Append stores entry as part of tx. It fails only when storage does, and the
// failure is returned as StorageUnavailable so the whole mutation aborts.
func (l *Log) Append(ctx context.Context, tx store.LedgerTx, entry *models.AuditEntry) error {
	if entry.ActorID == uuid.Nil {
		return apperr.New(apperr.ActorRequired, "audit entry %s has no actor", entry.Action)
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.Must(uuid.NewV7())
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	if err := tx.AppendAudit(ctx, entry); err != nil {
		return storageErr(fmt.Errorf("append audit %s: %w", entry.Action, err))
	}
	return nil
}

// ForBatch returns the history of a batch, oldest first.
func (l *Log) ForBatch(ctx context.Context, batchID uuid.UUID) ([]*models.AuditEntry, error) {
	entries, err := l.reader.AuditForBatch(ctx, batchID)
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// After returns up to limit entries following sequence after.
func (l *Log) After(ctx context.Context, after int64, limit int) ([]*models.AuditEntry, error) {
	entries, err := l.reader.AuditAfter(ctx, after, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

func storageErr(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Wrap(apperr.StorageUnavailable, err)
}
