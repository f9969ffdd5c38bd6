package server

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/models"
	"github.com/shopspring/decimal"
)

type allocateRequest struct {
	Weight decimal.Decimal   `json:"weight"`
	Sizes  []decimal.Decimal `json:"sizes"`
}

// previewAllocation returns the default split without touching the ledger.
func (s *Server) previewAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	alloc, err := s.allocator.Allocate(req.Weight, req.Sizes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, alloc)
}

func (s *Server) availableUnits(w http.ResponseWriter, r *http.Request) {
	units, err := s.ledger.AvailablePackagingUnits(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if units == nil {
		units = []*models.AvailableUnit{}
	}

	writeJSON(w, http.StatusOK, units)
}

// exportAudit writes every entry after ?after= as one zstd archive.
func (s *Server) exportAudit(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, apperr.New(apperr.InvalidRequest, "after must be a non-negative sequence"))
			return
		}
		after = n
	}

	var buf bytes.Buffer
	count, err := s.ledger.Audit().Export(r.Context(), &buf, after)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("X-Audit-Entries", strconv.Itoa(count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}
