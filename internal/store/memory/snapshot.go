package memory

import (
	"cmp"
	"maps"
	"slices"

	"github.com/canopyworks/custody/internal/models"
)

// Snapshot is the serialisable form of the ledger state.
type Snapshot struct {
	Batches   []*models.Batch      `json:"batches"`
	Units     []*models.Unit       `json:"units"` // creation order per batch
	Sequences map[string]int       `json:"sequences"`
	Audit     []*models.AuditEntry `json:"audit"`
}

func (st *ledgerState) snapshot() *Snapshot {
	snap := &Snapshot{
		Batches:   make([]*models.Batch, 0, len(st.batches)),
		Units:     make([]*models.Unit, 0, len(st.units)),
		Sequences: maps.Clone(st.sequences),
		Audit:     make([]*models.AuditEntry, 0, len(st.audit)),
	}

	for _, b := range st.batches {
		snap.Batches = append(snap.Batches, cloneBatch(b))
	}
	sortBatches(snap.Batches)

	for _, b := range snap.Batches {
		for _, id := range st.unitsByBatch[b.ID] {
			snap.Units = append(snap.Units, cloneUnit(st.units[id]))
		}
	}

	for _, e := range st.audit {
		snap.Audit = append(snap.Audit, cloneAudit(e))
	}

	return snap
}

func (snap *Snapshot) toState() *ledgerState {
	st := newLedgerState()

	for _, b := range snap.Batches {
		st.batches[b.ID] = cloneBatch(b)
	}
	for _, u := range snap.Units {
		st.units[u.ID] = cloneUnit(u)
		st.unitsByBatch[u.BatchID] = append(st.unitsByBatch[u.BatchID], u.ID)
	}
	if snap.Sequences != nil {
		st.sequences = maps.Clone(snap.Sequences)
	}

	st.audit = make([]*models.AuditEntry, 0, len(snap.Audit))
	for _, e := range snap.Audit {
		st.audit = append(st.audit, cloneAudit(e))
	}
	slices.SortFunc(st.audit, func(a, b *models.AuditEntry) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	if n := len(st.audit); n > 0 {
		st.auditSeq = st.audit[n-1].Sequence
	}

	return st
}
