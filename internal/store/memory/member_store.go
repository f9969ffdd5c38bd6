package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
)

var _ store.MemberStore = (*MemberStore)(nil)

// MemberStore implements store.MemberStore using in-memory storage.
type MemberStore struct {
	mu sync.RWMutex

	members      map[uuid.UUID]*models.Member // member_id -> Member
	byCredential map[string]uuid.UUID         // fingerprint -> member_id
}

// NewMemberStore creates a new in-memory member store.
func NewMemberStore() *MemberStore {
	return &MemberStore{
		members:      make(map[uuid.UUID]*models.Member),
		byCredential: make(map[string]uuid.UUID),
	}
}

// Create stores a new member and indexes its credentials.
func (s *MemberStore) Create(ctx context.Context, member *models.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[member.ID]; exists {
		return store.ErrMemberAlreadyExists
	}

	for _, fp := range member.Credentials {
		if _, taken := s.byCredential[fp]; taken {
			return store.ErrCredentialAssigned
		}
	}

	clone := cloneMember(member)
	s.members[clone.ID] = clone
	for _, fp := range clone.Credentials {
		s.byCredential[fp] = clone.ID
	}

	return nil
}

// Get retrieves a member by ID.
func (s *MemberStore) Get(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	member, exists := s.members[id]
	if !exists {
		return nil, store.ErrMemberNotFound
	}
	return cloneMember(member), nil
}

// GetByCredential retrieves the member holding a badge fingerprint.
func (s *MemberStore) GetByCredential(ctx context.Context, fingerprint string) (*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byCredential[fingerprint]
	if !exists {
		return nil, store.ErrMemberNotFound
	}
	return cloneMember(s.members[id]), nil
}

// List returns all members ordered by display name.
func (s *MemberStore) List(ctx context.Context) ([]*models.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, cloneMember(m))
	}

	slices.SortFunc(out, func(a, b *models.Member) int {
		return strings.Compare(a.DisplayName, b.DisplayName)
	})
	return out, nil
}

// AddCredential links another badge fingerprint to a member.
func (s *MemberStore) AddCredential(ctx context.Context, id uuid.UUID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, exists := s.members[id]
	if !exists {
		return store.ErrMemberNotFound
	}

	if owner, taken := s.byCredential[fingerprint]; taken {
		if owner == id {
			return nil
		}
		return store.ErrCredentialAssigned
	}

	member.Credentials = append(member.Credentials, fingerprint)
	s.byCredential[fingerprint] = id
	return nil
}

// Disable marks a member as disabled. Credentials stay indexed so a scan of a
// disabled badge is recognised and rejected rather than reported unknown.
func (s *MemberStore) Disable(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	member, exists := s.members[id]
	if !exists {
		return store.ErrMemberNotFound
	}

	if member.DisabledAt == nil {
		now := time.Now().UTC()
		member.DisabledAt = &now
	}
	return nil
}

func cloneMember(m *models.Member) *models.Member {
	clone := *m
	clone.Credentials = slices.Clone(m.Credentials)
	return &clone
}
