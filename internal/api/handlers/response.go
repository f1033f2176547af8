// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/rxledger/internal/api/middleware"
	"github.com/drfirst/rxledger/internal/domain/entity"
	"github.com/drfirst/rxledger/internal/domain/prescription"
	"github.com/drfirst/rxledger/internal/session"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the domain error class, e.g. "invalid_transition"
	Kind string `json:"kind,omitempty"`
	// CurrentStatus is the ledger status when a transition was refused
	CurrentStatus string `json:"currentStatus,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, ErrorResponse{Error: message})
}

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// requireSession returns the caller's session or writes 401
func requireSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := session.FromContext(r.Context())
	if err != nil {
		jsonError(w, "unauthenticated", http.StatusUnauthorized)
		return session.Session{}, false
	}
	return sess, true
}

// writeDomainError maps orchestrator and registry errors onto HTTP status codes
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	resp, code := classify(err)
	fields := []zap.Field{
		zap.Error(err),
		zap.Int("status", code),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	}
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", fields...)
	} else {
		logger.Info("request refused", fields...)
	}
	writeJSON(w, code, resp)
}

func classify(err error) (ErrorResponse, int) {
	if kind := prescription.KindOf(err); kind != 0 {
		resp := ErrorResponse{Error: err.Error(), Kind: kind.String()}
		switch kind {
		case prescription.KindAuthorization:
			return resp, http.StatusForbidden
		case prescription.KindInvalidTransition:
			if current, ok := prescription.CurrentStatus(err); ok {
				resp.CurrentStatus = current.Label()
			}
			return resp, http.StatusConflict
		case prescription.KindNotRegistered:
			return resp, http.StatusUnprocessableEntity
		case prescription.KindContentStore:
			resp.Retryable = true
			return resp, http.StatusBadGateway
		case prescription.KindLedger:
			return resp, http.StatusBadGateway
		case prescription.KindConflict:
			resp.Error = "state changed, please refresh"
			if current, ok := prescription.CurrentStatus(err); ok {
				resp.CurrentStatus = current.Label()
			}
			return resp, http.StatusConflict
		case prescription.KindNotFound:
			return resp, http.StatusNotFound
		case prescription.KindInvalidRequest:
			return resp, http.StatusBadRequest
		}
		return resp, http.StatusInternalServerError
	}

	switch {
	case errors.Is(err, session.ErrNoSession):
		return ErrorResponse{Error: "unauthenticated"}, http.StatusUnauthorized
	case errors.Is(err, entity.ErrForbidden):
		return ErrorResponse{Error: err.Error(), Kind: "authorization"}, http.StatusForbidden
	case errors.Is(err, entity.ErrAlreadyRegistered):
		return ErrorResponse{Error: err.Error(), Kind: "already_registered"}, http.StatusConflict
	case errors.Is(err, entity.ErrInvalid):
		return ErrorResponse{Error: err.Error(), Kind: "invalid_request"}, http.StatusBadRequest
	case errors.Is(err, entity.ErrNotFound):
		return ErrorResponse{Error: err.Error(), Kind: "not_found"}, http.StatusNotFound
	case errors.Is(err, entity.ErrContentStore):
		return ErrorResponse{Error: err.Error(), Kind: "content_store", Retryable: true}, http.StatusBadGateway
	case errors.Is(err, entity.ErrLedger):
		return ErrorResponse{Error: err.Error(), Kind: "ledger"}, http.StatusBadGateway
	}
	return ErrorResponse{Error: "internal server error"}, http.StatusInternalServerError
}
