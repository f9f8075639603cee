// Package httputil holds the JSON response, request parsing and middleware
// helpers shared by every API handler.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/platinummonkey/netforge/pkg/observability"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string            `json:"error"`
	Status  int               `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// StatusError is implemented by domain errors that know their HTTP status
type StatusError interface {
	error
	HTTPStatus() int
}

// Error is a generic error carrying an HTTP status
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error   { return e.Err }
func (e *Error) HTTPStatus() int { return e.Status }

// NewError builds an Error with a status and message
func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// WrapError attaches a status to err
func WrapError(status int, err error) *Error {
	return &Error{Status: status, Err: err}
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Status: status})
}

// WriteDetailedError writes an error with per-field details
func WriteDetailedError(w http.ResponseWriter, status int, message string, details map[string]string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Status: status, Details: details})
}

// WriteServiceError maps err to a response. Errors implementing StatusError
// keep their status and message; anything else is logged and hidden behind a 500.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var se StatusError
	if errors.As(err, &se) {
		status := se.HTTPStatus()
		if status >= http.StatusInternalServerError {
			observability.FromContext(r.Context()).WithError(err).Error("request failed")
		}
		WriteError(w, status, se.Error())
		return
	}
	WriteInternalError(w, r, err)
}

// WriteInternalError logs err and writes an opaque 500
func WriteInternalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context()).
		WithError(err).
		WithField("path", r.URL.Path).
		Error("internal error")
	WriteError(w, http.StatusInternalServerError, "internal server error")
}

func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

func WriteAccepted(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusAccepted, data)
}

func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, message)
}

// PlanRequiredResponse is returned with 402 when a feature needs a higher tier
type PlanRequiredResponse struct {
	Error        string `json:"error"`
	Status       int    `json:"status"`
	RequiredPlan string `json:"required_plan"`
	CurrentPlan  string `json:"current_plan"`
}

// WritePaymentRequired writes the tier gating error (402)
func WritePaymentRequired(w http.ResponseWriter, message, required, current string) {
	WriteJSON(w, http.StatusPaymentRequired, PlanRequiredResponse{
		Error:        message,
		Status:       http.StatusPaymentRequired,
		RequiredPlan: required,
		CurrentPlan:  current,
	})
}
