// Package http exposes the ledger as a JSON API.
//
// This file implements a small builder for JSON responses so every handler
// answers with the same envelope and error shape.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"chitieu/internal/core"
	"chitieu/internal/log"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	body       any
	headers    map[string]string
}

// errorBody is the shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// Data sets the value encoded as the response body.
func (b *JSONResponseBuilder) Data(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Write sends the built response to the http.ResponseWriter.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.body == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}

// ErrorResponse creates a standard error response.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		Data(errorBody{Error: message, Code: code})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

// TooManyRequestsError creates a 429 response.
func TooManyRequestsError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusTooManyRequests, "rate_limited", "Too many requests, please slow down.")
}

// LedgerErrorResponse maps an error returned by the ledger to a status code,
// a stable error code and the message shown to the user.
func LedgerErrorResponse(err error) *JSONResponseBuilder {
	msg := core.UserMessage(err)
	switch {
	case errors.Is(err, core.ErrLedgerInconsistent):
		return ErrorResponse(http.StatusInternalServerError, "ledger_inconsistent", msg)
	case errors.Is(err, core.ErrInvalidAmount):
		return ErrorResponse(http.StatusBadRequest, "invalid_amount", msg)
	case errors.Is(err, core.ErrInvalidDescription):
		return ErrorResponse(http.StatusBadRequest, "invalid_description", msg)
	case errors.Is(err, core.ErrInvalidMember):
		return ErrorResponse(http.StatusBadRequest, "invalid_member", msg)
	case errors.Is(err, core.ErrNotAMember):
		return ErrorResponse(http.StatusNotFound, "not_a_member", msg)
	case errors.Is(err, core.ErrEntryNotFound):
		return ErrorResponse(http.StatusNotFound, "entry_not_found", msg)
	case errors.Is(err, core.ErrAlreadyMember):
		return ErrorResponse(http.StatusConflict, "already_member", msg)
	case errors.Is(err, core.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorResponse(http.StatusServiceUnavailable, "unavailable", core.UserMessage(core.ErrStoreUnavailable)).
			Header("Retry-After", "5")
	default:
		return ErrorResponse(http.StatusInternalServerError, "internal", msg)
	}
}

// writeLedgerError logs and writes the mapped error. Server-side failures
// are logged at error level, caller mistakes at debug.
func writeLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	resp := LedgerErrorResponse(err)
	logger := log.FromContext(r.Context())
	if resp.statusCode >= 500 {
		logger.ErrorContext(r.Context(), "Ledger request failed",
			log.FieldOperation, op,
			log.FieldStatusCode, resp.statusCode,
			log.FieldError, err)
	} else {
		logger.DebugContext(r.Context(), "Ledger request rejected",
			log.FieldOperation, op,
			log.FieldStatusCode, resp.statusCode,
			log.FieldError, err)
	}
	resp.Write(w)
}
