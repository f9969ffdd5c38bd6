package server

import (
	"net/http"
	"strings"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/conversion"
	"github.com/canopyworks/custody/internal/ledger"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/packaging"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const convertPrefix = "convert_to_"

type createBatchRequest struct {
	Stage         models.Stage    `json:"stage"`
	Quantity      int             `json:"quantity"`
	Weight        decimal.Decimal `json:"weight"`
	UnitWeight    decimal.Decimal `json:"unit_weight"`
	RoomID        string          `json:"room_id"`
	SourceBatchID *uuid.UUID      `json:"source_batch_id"`
	AuthToken     string          `json:"auth_token"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	create := ledger.CreateBatchRequest{
		Destination: ledger.Destination{
			Stage:      req.Stage,
			Quantity:   req.Quantity,
			Weight:     req.Weight,
			UnitWeight: req.UnitWeight,
			RoomID:     req.RoomID,
		},
		SourceBatchID: req.SourceBatchID,
	}
	if err := create.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	actor, err := s.actor(r, req.AuthToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	create.CreatedBy = actor

	b, err := s.ledger.CreateBatch(r.Context(), create)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	b, err := s.ledger.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	filter := models.BatchFilter{
		Stage:  models.Stage(r.URL.Query().Get("stage")),
		RoomID: r.URL.Query().Get("room_id"),
	}
	if filter.Stage != "" && !filter.Stage.Valid() {
		writeError(w, r, apperr.New(apperr.InvalidRequest, "unknown stage %q", filter.Stage))
		return
	}

	batches, err := s.ledger.ListBatches(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if batches == nil {
		batches = []*models.Batch{}
	}

	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) listUnits(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}

	units, err := s.ledger.ListUnits(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if units == nil {
		units = []*models.Unit{}
	}

	writeJSON(w, http.StatusOK, units)
}

func (s *Server) batchAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.ledger.GetBatch(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	entries, err := s.ledger.Audit().ForBatch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// batchAction dispatches POST /{stage}/{batchId}/{action}. The batch must
// currently sit in the stage named by the path. Each action checks its request
// before the scan token is redeemed, so a rejected request leaves the scan
// usable.
func (s *Server) batchAction(w http.ResponseWriter, r *http.Request) {
	stage, err := models.ParseStage(r.PathValue("stage"))
	if err != nil {
		writeError(w, r, apperr.New(apperr.BatchNotFound, "%v", err))
		return
	}
	id, err := pathUUID(r, "batchId")
	if err != nil {
		writeError(w, r, err)
		return
	}

	b, err := s.ledger.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if b.Stage != stage {
		writeError(w, r, apperr.New(apperr.BatchNotFound, "no %s batch %s", stage, id))
		return
	}

	action := r.PathValue("action")
	switch {
	case action == "destroy":
		s.destroyUnits(w, r, b)
	case action == "destroy_remainder":
		s.destroyRemainder(w, r, b)
	case strings.HasPrefix(action, convertPrefix):
		target, err := models.ParseStage(strings.TrimPrefix(action, convertPrefix))
		if err != nil {
			writeError(w, r, apperr.New(apperr.IllegalTransition, "%v", err))
			return
		}
		s.convert(w, r, b, target)
	default:
		http.NotFound(w, r)
	}
}

type destroyUnitsRequest struct {
	UnitIDs   []uuid.UUID `json:"unit_ids"`
	Reason    string      `json:"reason"`
	Version   int64       `json:"version"`
	AuthToken string      `json:"auth_token"`
}

func (s *Server) destroyUnits(w http.ResponseWriter, r *http.Request, b *models.Batch) {
	var req destroyUnitsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	destroy := ledger.DestroyUnitsRequest{
		BatchID:         b.ID,
		UnitIDs:         req.UnitIDs,
		Reason:          req.Reason,
		ExpectedVersion: req.Version,
	}
	if err := precheck(b, req.Version, destroy.Validate); err != nil {
		writeError(w, r, err)
		return
	}
	if b.Stage.IsWeightBased() {
		writeError(w, r, apperr.New(apperr.IllegalTransition, "%s batch %s has no units, destroy a weight instead", b.Stage, b.BatchNumber))
		return
	}

	actor, err := s.actor(r, req.AuthToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	destroy.ActorID = actor

	summary, err := s.ledger.DestroyUnits(r.Context(), destroy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type destroyRemainderRequest struct {
	Weight    decimal.Decimal `json:"weight"`
	Reason    string          `json:"reason"`
	Version   int64           `json:"version"`
	AuthToken string          `json:"auth_token"`
}

func (s *Server) destroyRemainder(w http.ResponseWriter, r *http.Request, b *models.Batch) {
	var req destroyRemainderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	destroy := ledger.DestroyRemainderRequest{
		BatchID:         b.ID,
		Weight:          req.Weight,
		Reason:          req.Reason,
		ExpectedVersion: req.Version,
	}
	if err := precheck(b, req.Version, destroy.Validate); err != nil {
		writeError(w, r, err)
		return
	}

	actor, err := s.actor(r, req.AuthToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	destroy.ActorID = actor

	summary, err := s.ledger.DestroyRemainder(r.Context(), destroy)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

type convertRequest struct {
	UnitIDs      []uuid.UUID       `json:"unit_ids"`
	All          bool              `json:"all"`
	Weight       decimal.Decimal   `json:"weight"`
	PackageSizes []decimal.Decimal `json:"package_sizes"`
	Lines        []packaging.Line  `json:"lines"`
	RoomID       string            `json:"room_id"`
	Version      int64             `json:"version"`
	AuthToken    string            `json:"auth_token"`
}

// convert plans the conversion in full before redeeming the scan, then
// commits the plan under the scanned member.
func (s *Server) convert(w http.ResponseWriter, r *http.Request, b *models.Batch, target models.Stage) {
	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := precheck(b, req.Version, nil); err != nil {
		writeError(w, r, err)
		return
	}

	proposal, err := s.engine.Plan(r.Context(), conversion.Request{
		SourceID:        b.ID,
		Target:          target,
		ExpectedVersion: req.Version,
		RoomID:          req.RoomID,
		UnitIDs:         req.UnitIDs,
		All:             req.All,
		Weight:          req.Weight,
		PackageSizes:    req.PackageSizes,
		Lines:           req.Lines,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	actor, err := s.actor(r, req.AuthToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	proposal.Plan.ActorID = actor

	res, err := s.ledger.CommitConversion(r.Context(), proposal.Plan)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// precheck rejects a request that cannot succeed against b as loaded, before
// the scan token is spent. The ledger repeats every check inside its commit.
func precheck(b *models.Batch, version int64, validate func() error) error {
	if err := requireVersion(version); err != nil {
		return err
	}
	if version != b.Version {
		return apperr.New(apperr.ConcurrentModification, "batch %s is at version %d, not %d", b.BatchNumber, b.Version, version)
	}
	if validate != nil {
		return validate()
	}
	return nil
}
