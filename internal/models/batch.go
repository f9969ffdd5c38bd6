package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Batch is a numbered group of units, or an amount of weight, created at one
// point in the pipeline.
//
// Unit-counted batches keep Active + Destroyed + Converted == QuantityTotal.
// Weight-based batches keep Allocated + Destroyed + Remaining == Available,
// with Remaining derived.
type Batch struct {
	ID            uuid.UUID  `json:"id"` // UUIDv7
	BatchNumber   string     `json:"batch_number"`
	Stage         Stage      `json:"stage"`
	SourceBatchID *uuid.UUID `json:"source_batch_id,omitempty"` // lookup only
	RoomID        string     `json:"room_id"`

	// Unit-counted stages
	QuantityTotal  int `json:"quantity_total"`
	ActiveCount    int `json:"active_count"`
	DestroyedCount int `json:"destroyed_count"`
	ConvertedCount int `json:"converted_count"`

	// Weight-based stages
	AvailableWeight decimal.Decimal `json:"available_weight"`
	AllocatedWeight decimal.Decimal `json:"allocated_weight"`
	DestroyedWeight decimal.Decimal `json:"destroyed_weight"`

	// Weight of each unit, packaging batches only
	UnitWeight decimal.Decimal `json:"unit_weight"`

	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// RemainingWeight is the weight not yet allocated downstream or destroyed.
func (b *Batch) RemainingWeight() decimal.Decimal {
	return b.AvailableWeight.Sub(b.AllocatedWeight).Sub(b.DestroyedWeight)
}

// CheckConservation reports an error when the batch counters disagree.
func (b *Batch) CheckConservation() error {
	if b.Stage.IsWeightBased() {
		if b.AllocatedWeight.IsNegative() || b.DestroyedWeight.IsNegative() || b.RemainingWeight().IsNegative() {
			return fmt.Errorf("batch %s: allocated %s + destroyed %s exceeds available %s",
				b.BatchNumber, b.AllocatedWeight, b.DestroyedWeight, b.AvailableWeight)
		}
		return nil
	}

	if b.ActiveCount < 0 || b.DestroyedCount < 0 || b.ConvertedCount < 0 {
		return fmt.Errorf("batch %s: negative unit counter", b.BatchNumber)
	}
	if sum := b.ActiveCount + b.DestroyedCount + b.ConvertedCount; sum != b.QuantityTotal {
		return fmt.Errorf("batch %s: active %d + destroyed %d + converted %d != total %d",
			b.BatchNumber, b.ActiveCount, b.DestroyedCount, b.ConvertedCount, b.QuantityTotal)
	}
	return nil
}

// Summary is the reconciliation view returned after every mutation.
type Summary struct {
	BatchID     uuid.UUID `json:"batch_id"`
	BatchNumber string    `json:"batch_number"`
	Stage       Stage     `json:"stage"`

	Total     int `json:"total"`
	Active    int `json:"active"`
	Destroyed int `json:"destroyed"`
	Converted int `json:"converted"`

	AvailableWeight decimal.Decimal `json:"available_weight"`
	AllocatedWeight decimal.Decimal `json:"allocated_weight"`
	DestroyedWeight decimal.Decimal `json:"destroyed_weight"`
	RemainingWeight decimal.Decimal `json:"remaining_weight"`

	Version int64 `json:"version"`
}

func (b *Batch) Summary() Summary {
	return Summary{
		BatchID:         b.ID,
		BatchNumber:     b.BatchNumber,
		Stage:           b.Stage,
		Total:           b.QuantityTotal,
		Active:          b.ActiveCount,
		Destroyed:       b.DestroyedCount,
		Converted:       b.ConvertedCount,
		AvailableWeight: b.AvailableWeight,
		AllocatedWeight: b.AllocatedWeight,
		DestroyedWeight: b.DestroyedWeight,
		RemainingWeight: b.RemainingWeight(),
		Version:         b.Version,
	}
}

// BatchFilter narrows ListBatches. Zero values match everything.
type BatchFilter struct {
	Stage  Stage
	RoomID string
}

func (f BatchFilter) Matches(b *Batch) bool {
	if f.Stage != "" && b.Stage != f.Stage {
		return false
	}
	if f.RoomID != "" && b.RoomID != f.RoomID {
		return false
	}
	return true
}
