package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/store"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapPostgresError maps PostgreSQL errors onto the store sentinels. Errors
// that are not from the server are returned unchanged.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := apperr.As(err); ok {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(apperr.StorageUnavailable, err)
		}
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case "member_credentials_pkey":
			return store.ErrCredentialAssigned
		case "members_pkey":
			return store.ErrMemberAlreadyExists
		}
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.ForeignKeyViolation:
		switch pgErr.ConstraintName {
		case "member_credentials_member_id_fkey":
			return store.ErrMemberNotFound
		case "units_batch_id_fkey":
			return store.ErrBatchNotFound
		}
		return fmt.Errorf("foreign key violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.CheckViolation:
		return apperr.Wrap(apperr.ConservationViolated, fmt.Errorf("check constraint %s: %w", pgErr.ConstraintName, err))

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return apperr.Wrap(apperr.ConcurrentModification, err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return apperr.Wrap(apperr.StorageUnavailable, err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s, hint: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, pgErr.Hint, err)
	}
}
