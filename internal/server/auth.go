package server

import (
	"context"
	"net/http"
	"time"

	"github.com/canopyworks/custody/internal/apperr"
	httpmw "github.com/canopyworks/custody/internal/http"
	"github.com/canopyworks/custody/internal/models"
	"github.com/google/uuid"
)

type bindSessionResponse struct {
	SessionID uuid.UUID            `json:"session_id"`
	Token     string               `json:"token"`
	Status    models.SessionStatus `json:"status"`
	ExpiresAt time.Time            `json:"expires_at"`
}

func (s *Server) bindSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.gateway.StartSession(r.Context(), httpmw.HolderFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, bindSessionResponse{
		SessionID: session.ID,
		Token:     session.Token,
		Status:    session.Status,
		ExpiresAt: session.ExpiresAt,
	})
}

type verifySessionRequest struct {
	Token       string `json:"token"`
	RawIdentity string `json:"raw_identity"`
}

func (s *Server) verifySession(w http.ResponseWriter, r *http.Request) {
	var req verifySessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RawIdentity == "" {
		writeError(w, r, apperr.New(apperr.InvalidRequest, "raw_identity is required"))
		return
	}

	res, err := s.gateway.SubmitScan(r.Context(), req.Token, req.RawIdentity)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

type cancelSessionRequest struct {
	Token string `json:"token"`
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	var req cancelSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.gateway.CancelSession(r.Context(), req.Token); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(models.SessionCancelled)})
}

func (s *Server) watchSession(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	session, err := s.gateway.Get(r.Context(), token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.hub.Serve(w, r, session.ID, func(ctx context.Context) (*models.AuthorizationSession, error) {
		return s.gateway.Get(ctx, token)
	})
}

// actor redeems a verified session for the member performing a mutation.
func (s *Server) actor(r *http.Request, token string) (uuid.UUID, error) {
	if err := requireToken(token); err != nil {
		return uuid.Nil, err
	}
	return s.gateway.ConsumeVerifiedMember(r.Context(), token)
}
