package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionAwaitingScan SessionStatus = "awaiting_scan"
	SessionVerifying    SessionStatus = "verifying"
	SessionVerified     SessionStatus = "verified"
	SessionFailed       SessionStatus = "failed"
	SessionCancelled    SessionStatus = "cancelled"
	SessionExpired      SessionStatus = "expired"
	SessionConsumed     SessionStatus = "consumed"
)

// IsOpen returns true while the session can still make progress towards a verified member.
func (s SessionStatus) IsOpen() bool {
	return s == SessionAwaitingScan || s == SessionVerifying || s == SessionVerified
}

// IsTerminal returns true for states no transition leaves.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionFailed, SessionCancelled, SessionExpired, SessionConsumed:
		return true
	default:
		return false
	}
}

// AuthorizationSession is the state of one badge scan handshake.
// Terminal sessions are kept only for the retention window.
type AuthorizationSession struct {
	ID     uuid.UUID // UUIDv7, carried as the token jti
	Token  string    // signed, handed to the terminal
	Holder string    // terminal that opened the session

	Status SessionStatus

	// Fingerprint of the scanned badge, set once a scan arrives
	CandidateIdentity string

	// Set only on success
	VerifiedMemberID   *uuid.UUID
	VerifiedMemberName string

	StartedAt  time.Time
	ExpiresAt  time.Time
	FinishedAt *time.Time
}

// IsExpired returns true if the session deadline has passed.
func (s *AuthorizationSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
