package handlers

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/amiosamu/inventory-ledger/internal/lock"
	"github.com/amiosamu/inventory-ledger/shared/platform/errors"
)

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(payload)
}

// StatusFor maps an error class onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.IsConflict(err):
		return http.StatusConflict
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.IsExternal(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorResponse builds the error body for err. Internal errors do not
// leak their cause.
func NewErrorResponse(err error) (int, ErrorResponse) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error:     message(err),
		Code:      status,
		ErrorCode: errors.GetCode(err),
		Details:   errors.GetDetails(err),
		Timestamp: time.Now().UTC(),
	}
	if status == http.StatusInternalServerError {
		resp.Error = "Internal server error"
		resp.Details = nil
	}
	return status, resp
}

// message is the outermost AppError message, without the cause chain.
func message(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, err error) {
	status, resp := NewErrorResponse(err)
	if lock.IsTimeout(err) {
		w.Header().Set("Retry-After", "1")
	}
	_ = WriteJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{
		Error:     message,
		Code:      http.StatusBadRequest,
		ErrorCode: "InvalidRequest",
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		resp.Details = map[string]interface{}{"cause": err.Error()}
	}
	_ = WriteJSON(w, http.StatusBadRequest, resp)
}
