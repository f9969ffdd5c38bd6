package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/canopyworks/custody/internal/apperr"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

type errorDetail struct {
	Kind    apperr.Kind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// statusFor maps an error to its HTTP status.
func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		if e.Code == apperr.InvalidRequest.Code {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case apperr.KindAuthorization:
		switch e.Code {
		case apperr.SessionBusy.Code, apperr.SessionAlreadyActive.Code:
			return http.StatusConflict
		}
		return http.StatusUnauthorized
	case apperr.KindConcurrency:
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
		e = &apperr.Error{Kind: apperr.KindFatal, Code: "internal", Message: "internal error"}
	} else if e.Kind == apperr.KindFatal {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Request failed")
	}

	writeJSON(w, statusFor(e), errorBody{Error: errorDetail{
		Kind:    e.Kind,
		Code:    e.Code,
		Message: e.Error(),
	}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.InvalidRequest, "request body is required")
		}
		return apperr.New(apperr.InvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.InvalidRequest, "%s must be a UUID", name)
	}
	return id, nil
}

func requireToken(token string) error {
	if token == "" {
		return apperr.New(apperr.NotVerified, "auth_token is required")
	}
	return nil
}

func requireVersion(v int64) error {
	if v <= 0 {
		return apperr.New(apperr.InvalidRequest, "version must be positive, got %d", v)
	}
	return nil
}
