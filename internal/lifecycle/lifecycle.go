// Package lifecycle holds the transition rules for stages, units and
// authorization sessions. Every ledger and gateway mutation checks its
// transition here before it is applied.
package lifecycle

import (
	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
)

type machine[S ~string] struct {
	label    string
	terminal map[S]struct{}
	edges    map[S]map[S]struct{}
}

func toSet[S ~string](values ...S) map[S]struct{} {
	set := make(map[S]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func (m machine[S]) check(from, to S) error {
	if _, ok := m.terminal[from]; ok {
		return apperr.New(apperr.IllegalTransition, "%s is terminal in state %s", m.label, from)
	}
	if _, ok := m.edges[from][to]; !ok {
		return apperr.New(apperr.IllegalTransition, "%s cannot move from %s to %s", m.label, from, to)
	}
	return nil
}

var units = machine[models.UnitStatus]{
	label:    "unit",
	terminal: toSet(models.UnitDestroyed, models.UnitConverted),
	edges: map[models.UnitStatus]map[models.UnitStatus]struct{}{
		models.UnitActive: toSet(models.UnitDestroyed, models.UnitConverted),
	},
}

var sessions = machine[models.SessionStatus]{
	label:    "session",
	terminal: toSet(models.SessionFailed, models.SessionCancelled, models.SessionExpired, models.SessionConsumed),
	edges: map[models.SessionStatus]map[models.SessionStatus]struct{}{
		models.SessionAwaitingScan: toSet(models.SessionVerifying, models.SessionCancelled, models.SessionExpired),
		models.SessionVerifying:    toSet(models.SessionVerified, models.SessionFailed, models.SessionCancelled, models.SessionExpired),
		models.SessionVerified:     toSet(models.SessionConsumed, models.SessionCancelled, models.SessionExpired),
	},
}

// UnitTransition validates a unit status change. Only active units move.
func UnitTransition(from, to models.UnitStatus) error {
	return units.check(from, to)
}

// SessionTransition validates an authorization session status change.
func SessionTransition(from, to models.SessionStatus) error {
	return sessions.check(from, to)
}

// NextStage returns the single stage a batch at s may convert into.
func NextStage(s models.Stage) (models.Stage, error) {
	idx := s.Index()
	if idx < 0 {
		return "", apperr.New(apperr.IllegalTransition, "unknown stage %q", s)
	}
	if idx == len(models.Stages)-1 {
		return "", apperr.New(apperr.IllegalTransition, "stage %s has no successor", s)
	}
	return models.Stages[idx+1], nil
}

// StageTransition validates a conversion from one stage to another.
// Only a step to the immediate successor is legal.
func StageTransition(from, to models.Stage) error {
	next, err := NextStage(from)
	if err != nil {
		return err
	}
	if to != next {
		return apperr.New(apperr.IllegalTransition, "cannot convert %s to %s, next stage is %s", from, to, next)
	}
	return nil
}
