package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions.
const (
	ActionBatchCreated       = "batch.created"
	ActionUnitsDestroyed     = "units.destroyed"
	ActionRemainderDestroyed = "remainder.destroyed"
	ActionBatchConverted     = "batch.converted"
)

// AuditEntry is an immutable record of one committed mutation.
type AuditEntry struct {
	ID            uuid.UUID         `json:"id"`
	Sequence      int64             `json:"sequence"` // assigned on append, strictly increasing
	ActorID       uuid.UUID         `json:"actor_id"`
	Action        string            `json:"action"`
	TargetBatchID uuid.UUID         `json:"target_batch_id"`
	TargetUnitIDs []uuid.UUID       `json:"target_unit_ids,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}
