package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/store"
	"github.com/google/uuid"
)

var _ store.LedgerStore = (*LedgerStore)(nil)

// CommitHook sees the full state a transaction is about to publish. An error
// aborts the commit.
type CommitHook func(ctx context.Context, snapshot *Snapshot) error

// LedgerStore implements store.LedgerStore in memory. Transactions are
// serialized by the store lock and buffer their writes in an overlay that is
// published only when the transaction function succeeds.
type LedgerStore struct {
	mu    sync.RWMutex
	state *ledgerState
	hook  CommitHook
}

type LedgerOption func(*LedgerStore)

// WithCommitHook registers a hook run before each commit is published.
func WithCommitHook(hook CommitHook) LedgerOption {
	return func(s *LedgerStore) {
		s.hook = hook
	}
}

type ledgerState struct {
	batches      map[uuid.UUID]*models.Batch
	units        map[uuid.UUID]*models.Unit
	unitsByBatch map[uuid.UUID][]uuid.UUID // batch_id -> unit ids in creation order
	sequences    map[string]int            // stage|yyyy-mm-dd -> last issued
	audit        []*models.AuditEntry      // sequence order
	auditSeq     int64
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		batches:      make(map[uuid.UUID]*models.Batch),
		units:        make(map[uuid.UUID]*models.Unit),
		unitsByBatch: make(map[uuid.UUID][]uuid.UUID),
		sequences:    make(map[string]int),
	}
}

// NewLedgerStore creates an empty in-memory ledger.
func NewLedgerStore(opts ...LedgerOption) *LedgerStore {
	s := &LedgerStore{state: newLedgerState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.state.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (s *LedgerStore) ListBatches(ctx context.Context, filter models.BatchFilter) ([]*models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Batch, 0)
	for _, b := range s.state.batches {
		if filter.Matches(b) {
			out = append(out, cloneBatch(b))
		}
	}

	sortBatches(out)
	return out, nil
}

func (s *LedgerStore) ListUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.state.batches[batchID]; !ok {
		return nil, store.ErrBatchNotFound
	}

	ids := s.state.unitsByBatch[batchID]
	out := make([]*models.Unit, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneUnit(s.state.units[id]))
	}
	return out, nil
}

func (s *LedgerStore) AvailablePackagingUnits(ctx context.Context) ([]*models.AvailableUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := make([]*models.Batch, 0)
	for _, b := range s.state.batches {
		if b.Stage == models.StagePackaging && b.ActiveCount > 0 {
			batches = append(batches, b)
		}
	}
	sortBatches(batches)

	out := make([]*models.AvailableUnit, 0)
	for _, b := range batches {
		for _, id := range s.state.unitsByBatch[b.ID] {
			u := s.state.units[id]
			if u.Status != models.UnitActive {
				continue
			}
			out = append(out, &models.AvailableUnit{
				Unit:        *cloneUnit(u),
				BatchNumber: b.BatchNumber,
				UnitWeight:  b.UnitWeight,
				RoomID:      b.RoomID,
			})
		}
	}
	return out, nil
}

func (s *LedgerStore) AuditForBatch(ctx context.Context, batchID uuid.UUID) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AuditEntry, 0)
	for _, e := range s.state.audit {
		if e.TargetBatchID == batchID {
			out = append(out, cloneAudit(e))
		}
	}
	return out, nil
}

func (s *LedgerStore) AuditAfter(ctx context.Context, after int64, limit int) ([]*models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.state.audit
	start := sort.Search(len(entries), func(i int) bool {
		return entries[i].Sequence > after
	})

	end := len(entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]*models.AuditEntry, 0, end-start)
	for _, e := range entries[start:end] {
		out = append(out, cloneAudit(e))
	}
	return out, nil
}

// RunInTx runs fn against an overlay of the current state. The overlay is
// discarded if fn or the commit hook fails.
func (s *LedgerStore) RunInTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newLedgerTx(s.state)
	if err := fn(tx); err != nil {
		return err
	}

	if s.hook == nil {
		tx.apply(s.state)
		return nil
	}

	next := s.state.shallowClone()
	tx.apply(next)
	if err := s.hook(ctx, next.snapshot()); err != nil {
		return err
	}
	s.state = next
	return nil
}

// Snapshot returns a copy of the full ledger state.
func (s *LedgerStore) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state.snapshot()
}

// Restore replaces the ledger state with snap.
func (s *LedgerStore) Restore(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = snap.toState()
}

type ledgerTx struct {
	base *ledgerState

	batches      map[uuid.UUID]*models.Batch
	units        map[uuid.UUID]*models.Unit
	newUnitIDs   map[uuid.UUID][]uuid.UUID
	sequences    map[string]int
	audit        []*models.AuditEntry
	nextAuditSeq int64
}

func newLedgerTx(base *ledgerState) *ledgerTx {
	return &ledgerTx{
		base:         base,
		batches:      make(map[uuid.UUID]*models.Batch),
		units:        make(map[uuid.UUID]*models.Unit),
		newUnitIDs:   make(map[uuid.UUID][]uuid.UUID),
		sequences:    make(map[string]int),
		nextAuditSeq: base.auditSeq,
	}
}

func (tx *ledgerTx) batch(id uuid.UUID) (*models.Batch, bool) {
	if b, ok := tx.batches[id]; ok {
		return b, true
	}
	b, ok := tx.base.batches[id]
	return b, ok
}

func (tx *ledgerTx) unit(id uuid.UUID) (*models.Unit, bool) {
	if u, ok := tx.units[id]; ok {
		return u, true
	}
	u, ok := tx.base.units[id]
	return u, ok
}

func (tx *ledgerTx) GetBatch(ctx context.Context, id uuid.UUID) (*models.Batch, error) {
	b, ok := tx.batch(id)
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (tx *ledgerTx) GetUnits(ctx context.Context, ids []uuid.UUID) ([]*models.Unit, error) {
	out := make([]*models.Unit, 0, len(ids))
	for _, id := range ids {
		if u, ok := tx.unit(id); ok {
			out = append(out, cloneUnit(u))
		}
	}
	return out, nil
}

func (tx *ledgerTx) ActiveUnits(ctx context.Context, batchID uuid.UUID) ([]*models.Unit, error) {
	ids := slices.Concat(tx.base.unitsByBatch[batchID], tx.newUnitIDs[batchID])

	out := make([]*models.Unit, 0, len(ids))
	for _, id := range ids {
		u, _ := tx.unit(id)
		if u.Status == models.UnitActive {
			out = append(out, cloneUnit(u))
		}
	}
	return out, nil
}

func (tx *ledgerTx) InsertBatch(ctx context.Context, batch *models.Batch) error {
	if _, exists := tx.batch(batch.ID); exists {
		return store.ErrVersionConflict
	}
	tx.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (tx *ledgerTx) UpdateBatch(ctx context.Context, batch *models.Batch, expectedVersion int64) error {
	current, ok := tx.batch(batch.ID)
	if !ok {
		return store.ErrBatchNotFound
	}
	if current.Version != expectedVersion {
		return store.ErrVersionConflict
	}

	batch.Version = expectedVersion + 1
	tx.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (tx *ledgerTx) InsertUnits(ctx context.Context, units []*models.Unit) error {
	for _, u := range units {
		if _, exists := tx.unit(u.ID); exists {
			return store.ErrVersionConflict
		}
		if _, ok := tx.batch(u.BatchID); !ok {
			return store.ErrBatchNotFound
		}
		tx.units[u.ID] = cloneUnit(u)
		tx.newUnitIDs[u.BatchID] = append(tx.newUnitIDs[u.BatchID], u.ID)
	}
	return nil
}

func (tx *ledgerTx) UpdateUnits(ctx context.Context, units []*models.Unit) error {
	for _, u := range units {
		if _, exists := tx.unit(u.ID); !exists {
			return store.ErrBatchNotFound
		}
		tx.units[u.ID] = cloneUnit(u)
	}
	return nil
}

func (tx *ledgerTx) NextSequence(ctx context.Context, stage models.Stage, day time.Time) (int, error) {
	key := sequenceKey(stage, day)

	last, ok := tx.sequences[key]
	if !ok {
		last = tx.base.sequences[key]
	}
	last++
	tx.sequences[key] = last
	return last, nil
}

func (tx *ledgerTx) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	tx.nextAuditSeq++
	entry.Sequence = tx.nextAuditSeq
	tx.audit = append(tx.audit, cloneAudit(entry))
	return nil
}

func (tx *ledgerTx) apply(state *ledgerState) {
	maps.Copy(state.batches, tx.batches)
	maps.Copy(state.units, tx.units)
	for batchID, ids := range tx.newUnitIDs {
		state.unitsByBatch[batchID] = slices.Concat(state.unitsByBatch[batchID], ids)
	}
	maps.Copy(state.sequences, tx.sequences)
	state.audit = append(state.audit, tx.audit...)
	state.auditSeq = tx.nextAuditSeq
}

func (st *ledgerState) shallowClone() *ledgerState {
	return &ledgerState{
		batches:      maps.Clone(st.batches),
		units:        maps.Clone(st.units),
		unitsByBatch: maps.Clone(st.unitsByBatch),
		sequences:    maps.Clone(st.sequences),
		audit:        slices.Clip(st.audit),
		auditSeq:     st.auditSeq,
	}
}

func sequenceKey(stage models.Stage, day time.Time) string {
	return string(stage) + "|" + day.UTC().Format(time.DateOnly)
}

func sortBatches(batches []*models.Batch) {
	slices.SortFunc(batches, func(a, b *models.Batch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return slices.Compare(a.ID[:], b.ID[:])
	})
}

func cloneBatch(b *models.Batch) *models.Batch {
	clone := *b
	return &clone
}

func cloneUnit(u *models.Unit) *models.Unit {
	clone := *u
	return &clone
}

func cloneAudit(e *models.AuditEntry) *models.AuditEntry {
	clone := *e
	clone.TargetUnitIDs = slices.Clone(e.TargetUnitIDs)
	clone.Details = maps.Clone(e.Details)
	return &clone
}
