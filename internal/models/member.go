package models

import (
	"time"

	"github.com/google/uuid"
)

// Member is an actor such as a cultivator or lab tech.
type Member struct {
	ID          uuid.UUID `json:"id"` // UUIDv7
	DisplayName string    `json:"display_name"`

	// Base58-encoded SHA256 of each badge payload. Raw badge UIDs are never stored.
	Credentials []string `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
}

// IsDisabled returns true if the member may no longer verify.
func (m *Member) IsDisabled() bool {
	return m.DisabledAt != nil
}
