package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/canopyworks/custody/internal/audit"
	"github.com/canopyworks/custody/internal/gateway"
	httpmw "github.com/canopyworks/custody/internal/http"
	"github.com/canopyworks/custody/internal/identity"
	"github.com/canopyworks/custody/internal/ledger"
	"github.com/canopyworks/custody/internal/models"
	"github.com/canopyworks/custody/internal/packaging"
	"github.com/canopyworks/custody/internal/store/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const badge = "04:A2:3F:91"

type harness struct {
	t     *testing.T
	srv   *httptest.Server
	alice *models.Member
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	members := memory.NewMemberStore()
	fp, err := identity.Fingerprint(badge)
	require.NoError(t, err)
	alice := &models.Member{ID: uuid.New(), DisplayName: "Alice", Credentials: []string{fp}, CreatedAt: time.Now()}
	require.NoError(t, members.Create(ctx, alice))

	gw, err := gateway.New(memory.NewSessionStore(), identity.NewStoreResolver(members), gateway.Config{
		Secret: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	srv := NewServer(Config{
		Ledger:  ledger.New(memory.NewLedgerStore()),
		Gateway: gw,
	})

	ts := httptest.NewServer(srv.Handler(zerolog.Nop()))
	t.Cleanup(ts.Close)

	return &harness{t: t, srv: ts, alice: alice}
}

func (h *harness) do(method, path, terminal string, body any) *http.Response {
	h.t.Helper()

	var rdr io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rdr = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(h.t, err)
			rdr = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if terminal != "" {
		req.Header.Set(httpmw.TerminalHeader, terminal)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func requireError(t *testing.T, resp *http.Response, status int, code *apperr.Error) {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decode[errorBody](t, resp)
	require.Equal(t, code.Code, body.Error.Code)
	require.Equal(t, code.Kind, body.Error.Kind)
}

// authorize runs the scan handshake on a fresh terminal and returns a
// verified token.
func (h *harness) authorize() string {
	h.t.Helper()
	terminal := uuid.NewString()

	resp := h.do(http.MethodPost, "/auth/bind-session", terminal, nil)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	bound := decode[bindSessionResponse](h.t, resp)
	require.Equal(h.t, models.SessionAwaitingScan, bound.Status)

	resp = h.do(http.MethodPost, "/auth/verify-session", terminal, verifySessionRequest{Token: bound.Token, RawIdentity: badge})
	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	res := decode[gateway.VerificationResult](h.t, resp)
	require.Equal(h.t, h.alice.ID, res.MemberID)

	return bound.Token
}

func (h *harness) createBatch(req map[string]any) *models.Batch {
	h.t.Helper()
	req["auth_token"] = h.authorize()
	resp := h.do(http.MethodPost, "/batches", "", req)
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decode[*models.Batch](h.t, resp)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, resp))
}

func TestUnitLifecycle(t *testing.T) {
	h := newHarness(t)

	seed := h.createBatch(map[string]any{"stage": "seed", "quantity": 5, "room_id": "nursery"})
	require.Equal(t, 5, seed.ActiveCount)
	require.Equal(t, h.alice.ID, seed.CreatedBy)

	resp := h.do(http.MethodGet, "/batches/"+seed.ID.String()+"/units", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	units := decode[[]*models.Unit](t, resp)
	require.Len(t, units, 5)

	token := h.authorize()
	resp = h.do(http.MethodPost, "/seed/"+seed.ID.String()+"/destroy", "", map[string]any{
		"unit_ids":   []uuid.UUID{units[0].ID},
		"reason":     "did not germinate",
		"version":    seed.Version,
		"auth_token": token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[models.Summary](t, resp)
	require.Equal(t, 4, summary.Active)
	require.Equal(t, 1, summary.Destroyed)

	// A consumed token cannot authorize a second mutation.
	resp = h.do(http.MethodPost, "/seed/"+seed.ID.String()+"/destroy", "", map[string]any{
		"unit_ids":   []uuid.UUID{units[1].ID},
		"reason":     "did not germinate",
		"version":    summary.Version,
		"auth_token": token,
	})
	requireError(t, resp, http.StatusUnauthorized, apperr.AlreadyConsumed)

	resp = h.do(http.MethodPost, "/seed/"+seed.ID.String()+"/convert_to_cutting", "", map[string]any{
		"all":        true,
		"version":    summary.Version,
		"auth_token": h.authorize(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[ledger.Result](t, resp)
	require.Equal(t, 4, res.Converted)
	require.Equal(t, 0, res.Source.Active)
	require.Len(t, res.Destinations, 1)
	require.Equal(t, models.StageCutting, res.Destinations[0].Stage)
	require.Equal(t, "nursery", res.Destinations[0].RoomID)

	resp = h.do(http.MethodGet, "/batches?stage=cutting", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cuttings := decode[[]*models.Batch](t, resp)
	require.Len(t, cuttings, 1)
	require.Equal(t, res.Destinations[0].ID, cuttings[0].ID)

	resp = h.do(http.MethodGet, "/batches/"+seed.ID.String()+"/audit", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]*models.AuditEntry](t, resp)
	require.Len(t, history, 3)
	require.Equal(t, "did not germinate", history[1].Reason)
	for _, e := range history {
		require.Equal(t, h.alice.ID, e.ActorID)
	}
}

func TestPackagingFlow(t *testing.T) {
	h := newHarness(t)

	lab := h.createBatch(map[string]any{"stage": "lab_testing", "weight": "47.25", "room_id": "vault"})

	resp := h.do(http.MethodPost, "/packaging/allocate", "", allocateRequest{
		Weight: decimal.RequireFromString("47.25"),
		Sizes:  []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(10)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	preview := decode[packaging.Allocation](t, resp)
	require.Len(t, preview.Lines, 2)
	require.True(t, preview.Lines[0].UnitWeight.Equal(decimal.NewFromInt(10)))
	require.Equal(t, 4, preview.Lines[0].UnitCount)
	require.Equal(t, 1, preview.Lines[1].UnitCount)
	require.True(t, preview.Remaining.Equal(decimal.RequireFromString("2.25")))

	resp = h.do(http.MethodPost, "/lab_testing/"+lab.ID.String()+"/convert_to_packaging", "", map[string]any{
		"package_sizes": []string{"10", "5"},
		"version":       lab.Version,
		"auth_token":    h.authorize(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[ledger.Result](t, resp)
	require.True(t, res.ConvertedWeight.Equal(decimal.NewFromInt(45)))
	require.True(t, res.RemainderDestroyed.Equal(decimal.RequireFromString("2.25")))
	require.True(t, res.Source.RemainingWeight.IsZero())

	resp = h.do(http.MethodGet, "/distributions/available_units", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	available := decode[[]*models.AvailableUnit](t, resp)
	require.Len(t, available, 5)
	for _, u := range available {
		require.Equal(t, "vault", u.RoomID)
	}

	resp = h.do(http.MethodGet, "/audit/export?after=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/zstd", resp.Header.Get("Content-Type"))
	entries, err := audit.ReadArchive(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, int64(2), entries[0].Sequence)
	require.Equal(t, strconv.Itoa(len(entries)), resp.Header.Get("X-Audit-Entries"))
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	seed := h.createBatch(map[string]any{"stage": "seed", "quantity": 2})
	lab := h.createBatch(map[string]any{"stage": "lab_testing", "weight": "10"})
	seedPath := "/seed/" + seed.ID.String()

	tests := []struct {
		name   string
		method string
		path   string
		body   func() any
		status int
		code   *apperr.Error
	}{
		{
			name:   "malformed body",
			method: http.MethodPost,
			path:   seedPath + "/destroy",
			body:   func() any { return "{" },
			status: http.StatusBadRequest,
			code:   apperr.InvalidRequest,
		},
		{
			name:   "unknown field",
			method: http.MethodPost,
			path:   "/batches",
			body:   func() any { return `{"stage":"seed","colour":"green"}` },
			status: http.StatusBadRequest,
			code:   apperr.InvalidRequest,
		},
		{
			name:   "missing token",
			method: http.MethodPost,
			path:   seedPath + "/destroy",
			body:   func() any { return map[string]any{"unit_ids": []uuid.UUID{uuid.New()}, "version": seed.Version} },
			status: http.StatusUnauthorized,
			code:   apperr.NotVerified,
		},
		{
			name:   "forged token",
			method: http.MethodPost,
			path:   seedPath + "/destroy",
			body: func() any {
				return map[string]any{"unit_ids": []uuid.UUID{uuid.New()}, "version": seed.Version, "auth_token": "not-a-token"}
			},
			status: http.StatusUnauthorized,
			code:   apperr.SessionNotFound,
		},
		{
			name:   "stale version",
			method: http.MethodPost,
			path:   seedPath + "/convert_to_cutting",
			body: func() any {
				return map[string]any{"all": true, "version": seed.Version + 1, "auth_token": h.authorize()}
			},
			status: http.StatusConflict,
			code:   apperr.ConcurrentModification,
		},
		{
			name:   "unit from another batch",
			method: http.MethodPost,
			path:   seedPath + "/destroy",
			body: func() any {
				return map[string]any{"unit_ids": []uuid.UUID{uuid.New()}, "version": seed.Version, "auth_token": h.authorize()}
			},
			status: http.StatusUnprocessableEntity,
			code:   apperr.InvalidSelection,
		},
		{
			name:   "skipping a stage",
			method: http.MethodPost,
			path:   seedPath + "/convert_to_harvest",
			body: func() any {
				return map[string]any{"all": true, "version": seed.Version, "auth_token": h.authorize()}
			},
			status: http.StatusUnprocessableEntity,
			code:   apperr.IllegalTransition,
		},
		{
			name:   "destroying more than remains",
			method: http.MethodPost,
			path:   "/lab_testing/" + lab.ID.String() + "/destroy_remainder",
			body: func() any {
				return map[string]any{"weight": "10.5", "reason": "spill", "version": lab.Version, "auth_token": h.authorize()}
			},
			status: http.StatusUnprocessableEntity,
			code:   apperr.InsufficientWeight,
		},
		{
			name:   "package below minimum",
			method: http.MethodPost,
			path:   "/packaging/allocate",
			body:   func() any { return map[string]any{"weight": "10", "sizes": []string{"1"}} },
			status: http.StatusUnprocessableEntity,
			code:   apperr.PackageSizeTooSmall,
		},
		{
			name:   "wrong stage in path",
			method: http.MethodPost,
			path:   "/cutting/" + seed.ID.String() + "/destroy",
			body:   func() any { return map[string]any{} },
			status: http.StatusNotFound,
			code:   apperr.BatchNotFound,
		},
		{
			name:   "unknown batch",
			method: http.MethodGet,
			path:   "/batches/" + uuid.NewString(),
			status: http.StatusNotFound,
			code:   apperr.BatchNotFound,
		},
		{
			name:   "unknown stage filter",
			method: http.MethodGet,
			path:   "/batches?stage=drying",
			status: http.StatusBadRequest,
			code:   apperr.InvalidRequest,
		},
		{
			name:   "unknown session",
			method: http.MethodPost,
			path:   "/auth/verify-session",
			body:   func() any { return verifySessionRequest{Token: "nope", RawIdentity: badge} },
			status: http.StatusUnauthorized,
			code:   apperr.SessionNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body any
			if tt.body != nil {
				body = tt.body()
			}
			resp := h.do(tt.method, tt.path, "", body)
			requireError(t, resp, tt.status, tt.code)
		})
	}
}

func TestBindSession_OnePerTerminal(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/auth/bind-session", "bench-3", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[bindSessionResponse](t, resp)

	resp = h.do(http.MethodPost, "/auth/bind-session", "bench-3", nil)
	requireError(t, resp, http.StatusConflict, apperr.SessionAlreadyActive)

	resp = h.do(http.MethodPost, "/auth/cancel-session", "bench-3", cancelSessionRequest{Token: first.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, map[string]string{"status": "cancelled"}, decode[map[string]string](t, resp))

	// Cancelling a cancelled session is fine.
	resp = h.do(http.MethodPost, "/auth/cancel-session", "bench-3", cancelSessionRequest{Token: first.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodPost, "/auth/verify-session", "bench-3", verifySessionRequest{Token: first.Token, RawIdentity: badge})
	requireError(t, resp, http.StatusUnauthorized, apperr.SessionCancelled)

	resp = h.do(http.MethodPost, "/auth/bind-session", "bench-3", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestVerifySession_UnknownBadge(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/auth/bind-session", "bench-1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	bound := decode[bindSessionResponse](t, resp)

	resp = h.do(http.MethodPost, "/auth/verify-session", "bench-1", verifySessionRequest{Token: bound.Token, RawIdentity: "FF:FF:FF:FF"})
	requireError(t, resp, http.StatusUnauthorized, apperr.UnknownIdentity)

	resp = h.do(http.MethodPost, "/batches", "", map[string]any{"stage": "seed", "quantity": 1, "auth_token": bound.Token})
	requireError(t, resp, http.StatusUnauthorized, apperr.NotVerified)
}

func TestRejectedRequestKeepsScan(t *testing.T) {
	h := newHarness(t)
	seed := h.createBatch(map[string]any{"stage": "seed", "quantity": 3})
	lab := h.createBatch(map[string]any{"stage": "lab_testing", "weight": "12"})
	seedPath := "/seed/" + seed.ID.String()

	token := h.authorize()

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
		code   *apperr.Error
	}{
		{"zero quantity", "/batches", map[string]any{"stage": "seed", "quantity": 0}, http.StatusUnprocessableEntity, apperr.InvalidQuantity},
		{"nothing to destroy", seedPath + "/destroy", map[string]any{"unit_ids": []uuid.UUID{}, "version": seed.Version}, http.StatusUnprocessableEntity, apperr.InvalidSelection},
		{"stale version", seedPath + "/destroy", map[string]any{"unit_ids": []uuid.UUID{uuid.New()}, "version": seed.Version + 1}, http.StatusConflict, apperr.ConcurrentModification},
		{"zero weight", "/lab_testing/" + lab.ID.String() + "/destroy_remainder", map[string]any{"weight": "0", "version": lab.Version}, http.StatusUnprocessableEntity, apperr.InvalidQuantity},
		{"nothing selected", seedPath + "/convert_to_cutting", map[string]any{"version": seed.Version}, http.StatusUnprocessableEntity, apperr.InvalidSelection},
		{"weight on unit stage", seedPath + "/convert_to_cutting", map[string]any{"all": true, "weight": "4", "version": seed.Version}, http.StatusBadRequest, apperr.InvalidRequest},
		{"packages below minimum", "/lab_testing/" + lab.ID.String() + "/convert_to_packaging", map[string]any{"package_sizes": []string{"2"}, "version": lab.Version}, http.StatusUnprocessableEntity, apperr.PackageSizeTooSmall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.body["auth_token"] = token
			resp := h.do(http.MethodPost, tt.path, "", tt.body)
			requireError(t, resp, tt.status, tt.code)
		})
	}

	// The scan survived every rejection and still authorizes one mutation.
	resp := h.do(http.MethodPost, seedPath+"/convert_to_cutting", "", map[string]any{"all": true, "version": seed.Version, "auth_token": token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[ledger.Result](t, resp)
	require.Equal(t, 3, res.Converted)
	require.Len(t, res.ConvertedUnitIDs, 3)

	resp = h.do(http.MethodPost, "/batches", "", map[string]any{"stage": "seed", "quantity": 1, "auth_token": token})
	requireError(t, resp, http.StatusUnauthorized, apperr.AlreadyConsumed)
}
