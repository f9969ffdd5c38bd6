// Package sqlite persists the in-memory ledger to a single SQLite file for
// single-terminal deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/store"
	"github.com/canopyworks/custody/internal/store/memory"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var _ store.LedgerStore = (*Store)(nil)

var buckets = []string{"batches", "units", "sequences", "audit"}

// Store is a memory ledger that writes its full state to SQLite before each
// commit is published. A failed write aborts the commit.
type Store struct {
	*memory.LedgerStore
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and loads any saved state.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "custody.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}

	s := &Store{db: db, path: path}
	s.LedgerStore = memory.NewLedgerStore(memory.WithCommitHook(s.persist))

	snap, err := s.load(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if snap != nil {
		s.Restore(snap)
		log.Info().
			Str("path", path).
			Int("batches", len(snap.Batches)).
			Int("audit_entries", len(snap.Audit)).
			Msg("Ledger restored from SQLite")
	}

	return s, nil
}

func (s *Store) load(ctx context.Context) (*memory.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := &memory.Snapshot{}
	found := false
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		var target any
		switch bucket {
		case "batches":
			target = &snap.Batches
		case "units":
			target = &snap.Units
		case "sequences":
			target = &snap.Sequences
		case "audit":
			target = &snap.Audit
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	if !found {
		return nil, nil
	}
	return snap, nil
}

func (s *Store) persist(ctx context.Context, snap *memory.Snapshot) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, bucket := range buckets {
		var data []byte
		switch bucket {
		case "batches":
			data, err = json.Marshal(snap.Batches)
		case "units":
			data, err = json.Marshal(snap.Units)
		case "sequences":
			data, err = json.Marshal(snap.Sequences)
		case "audit":
			data, err = json.Marshal(snap.Audit)
		}
		if err != nil {
			return fmt.Errorf("encode %s: %w", bucket, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket, payload) VALUES(?, ?) ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload`,
			bucket, data); err != nil {
			return apperr.Wrap(apperr.StorageUnavailable, fmt.Errorf("upsert %s: %w", bucket, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.StorageUnavailable, err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}
