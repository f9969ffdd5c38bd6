// Package events publishes committed ledger changes to downstream consumers.
// Publishing is best effort: the audit log is the record of truth, and a
// failed publish never rolls back a commit.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/models"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeBatchCreated       = "batch.created"
	TypeUnitsDestroyed     = "units.destroyed"
	TypeRemainderDestroyed = "remainder.destroyed"
	TypeBatchConverted     = "batch.converted"
)

// Event describes one committed ledger mutation.
type Event struct {
	ID           uuid.UUID        `json:"id"`
	Type         string           `json:"type"`
	ActorID      uuid.UUID        `json:"actor_id"`
	Source       models.Summary   `json:"source"`
	Destinations []models.Summary `json:"destinations,omitempty"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

// Subject returns the subject the event is published on, e.g.
// custody.ledger.cutting.batch.converted.
func (e Event) Subject(prefix string) string {
	return prefix + "." + string(e.Source.Stage) + "." + e.Type
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Recorder keeps published events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ctx context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
