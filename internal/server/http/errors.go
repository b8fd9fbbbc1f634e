package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/brianly1003/wsgate/internal/domain"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps a wire error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeConflict, domain.ErrCodeEnvironmentNotReady, domain.ErrCodeVersionConflict:
		return http.StatusConflict
	case domain.ErrCodeResourceExhausted:
		return http.StatusInsufficientStorage
	case domain.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrCodeValidation, domain.ErrCodeInvalidEdit, domain.ErrCodeNoRunCommand:
		return http.StatusBadRequest
	case domain.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status of its domain code. Internal errors
// are logged and their message is not exposed.
func writeError(w http.ResponseWriter, err error) {
	code := domain.Code(err)
	if code == domain.ErrCodeInternalError && errors.Is(err, context.DeadlineExceeded) {
		code = domain.ErrCodeTimeout
	}
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	writeErrorCode(w, status, code, msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
