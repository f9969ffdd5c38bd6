package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type UnitStatus string

const (
	UnitActive    UnitStatus = "active"
	UnitDestroyed UnitStatus = "destroyed"
	UnitConverted UnitStatus = "converted"
)

// Unit is one tracked individual. Units are never deleted; destroyed and
// converted units stay for audit.
type Unit struct {
	ID           uuid.UUID  `json:"id"`
	BatchID      uuid.UUID  `json:"batch_id"`
	Status       UnitStatus `json:"status"`
	SourceUnitID *uuid.UUID `json:"source_unit_id,omitempty"` // predecessor this unit was converted from
	CreatedAt    time.Time  `json:"created_at"`

	// Set only when destroyed
	DestroyedAt   *time.Time `json:"destroyed_at,omitempty"`
	DestroyedBy   *uuid.UUID `json:"destroyed_by,omitempty"`
	DestroyReason string     `json:"destroy_reason,omitempty"`

	// Set only when converted
	ConvertedAt        *time.Time `json:"converted_at,omitempty"`
	ConvertedBy        *uuid.UUID `json:"converted_by,omitempty"`
	ConvertedToBatchID *uuid.UUID `json:"converted_to_batch_id,omitempty"`
}

// AvailableUnit is an active packaged unit ready for distribution.
type AvailableUnit struct {
	Unit
	BatchNumber string          `json:"batch_number"`
	UnitWeight  decimal.Decimal `json:"unit_weight"`
	RoomID      string          `json:"room_id"`
}
