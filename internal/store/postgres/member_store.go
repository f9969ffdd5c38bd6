package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var _ store.MemberStore = (*MemberStore)(nil)

// MemberStore implements store.MemberStore using PostgreSQL.
type MemberStore struct {
	pool *pgxpool.Pool
}

func NewMemberStore(pool *pgxpool.Pool) *MemberStore {
	return &MemberStore{pool: pool}
}

const memberSelect = `
	SELECT m.member_id, m.display_name, m.created_at, m.disabled_at,
		COALESCE(array_agg(c.fingerprint ORDER BY c.added_at, c.fingerprint)
			FILTER (WHERE c.fingerprint IS NOT NULL), '{}')
	FROM members m
	LEFT JOIN member_credentials c ON c.member_id = m.member_id`

func scanMember(row pgx.Row) (*models.Member, error) {
	var m models.Member
	if err := row.Scan(&m.ID, &m.DisplayName, &m.CreatedAt, &m.DisabledAt, &m.Credentials); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

// Create inserts a member and its credentials in one transaction.
func (s *MemberStore) Create(ctx context.Context, member *models.Member) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO members (member_id, display_name, created_at, disabled_at)
			VALUES ($1, $2, $3, $4)
		`, member.ID, member.DisplayName, member.CreatedAt, member.DisabledAt)
		if err != nil {
			return err
		}

		for _, fp := range member.Credentials {
			if _, err := tx.Exec(ctx, `
				INSERT INTO member_credentials (fingerprint, member_id) VALUES ($1, $2)
			`, fp, member.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create member: %w", mapPostgresError(err))
	}

	log.Debug().Str("member_id", member.ID.String()).Int("credentials", len(member.Credentials)).Msg("Created member")
	return nil
}

func (s *MemberStore) Get(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	m, err := scanMember(s.pool.QueryRow(ctx, memberSelect+`
		WHERE m.member_id = $1
		GROUP BY m.member_id
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", mapPostgresError(err))
	}
	return m, nil
}

func (s *MemberStore) GetByCredential(ctx context.Context, fingerprint string) (*models.Member, error) {
	m, err := scanMember(s.pool.QueryRow(ctx, memberSelect+`
		WHERE m.member_id = (SELECT member_id FROM member_credentials WHERE fingerprint = $1)
		GROUP BY m.member_id
	`, fingerprint))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member by credential: %w", mapPostgresError(err))
	}
	return m, nil
}

func (s *MemberStore) List(ctx context.Context) ([]*models.Member, error) {
	rows, err := s.pool.Query(ctx, memberSelect+`
		GROUP BY m.member_id
		ORDER BY m.display_name, m.member_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", mapPostgresError(err))
	}
	return collect(rows, scanMember)
}

// AddCredential links a fingerprint to a member. Re-adding a fingerprint the
// member already holds is a no-op.
func (s *MemberStore) AddCredential(ctx context.Context, id uuid.UUID, fingerprint string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO member_credentials (fingerprint, member_id) VALUES ($1, $2)
		ON CONFLICT (fingerprint) DO NOTHING
	`, fingerprint, id)
	if err != nil {
		return fmt.Errorf("failed to add credential: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner uuid.UUID
	err = s.pool.QueryRow(ctx, `SELECT member_id FROM member_credentials WHERE fingerprint = $1`, fingerprint).Scan(&owner)
	if err != nil {
		return fmt.Errorf("failed to check credential owner: %w", mapPostgresError(err))
	}
	if owner != id {
		return store.ErrCredentialAssigned
	}
	return nil
}

// Disable marks a member disabled. Disabling twice keeps the first timestamp.
func (s *MemberStore) Disable(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE members SET disabled_at = COALESCE(disabled_at, now())
		WHERE member_id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to disable member: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrMemberNotFound
	}
	return nil
}
