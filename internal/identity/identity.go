// Package identity resolves scanned badge payloads to members.
package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/mr-tron/base58"
)

// Resolver maps a badge fingerprint to a member. Implementations return
// apperr.UnknownIdentity when no enabled member holds the badge, and must
// honour ctx cancellation.
type Resolver interface {
	Resolve(ctx context.Context, fingerprint string) (*models.Member, error)
}

// Fingerprint normalises a raw badge payload and returns the base58 encoded
// SHA256 used to look it up. Readers differ in case and separators, so
// "04:a2:3f" and "04A23F" are the same badge.
func Fingerprint(raw string) (string, error) {
	normalized := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, strings.ToUpper(raw))

	if normalized == "" {
		return "", apperr.New(apperr.UnknownIdentity, "empty badge scan")
	}

	hash := sha256.Sum256([]byte(normalized))
	return base58.Encode(hash[:]), nil
}

// StoreResolver looks fingerprints up in the member store.
type StoreResolver struct {
	members store.MemberStore
}

func NewStoreResolver(members store.MemberStore) *StoreResolver {
	return &StoreResolver{members: members}
}

func (r *StoreResolver) Resolve(ctx context.Context, fingerprint string) (*models.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	member, err := r.members.GetByCredential(ctx, fingerprint)
	if errors.Is(err, store.ErrMemberNotFound) {
		return nil, apperr.New(apperr.UnknownIdentity, "no member holds this badge")
	}
	if err != nil {
		return nil, err
	}
	if member.IsDisabled() {
		return nil, apperr.New(apperr.UnknownIdentity, "member %s is disabled", member.ID)
	}
	return member, nil
}
