package web

// errors.go renders every handler error the same way:
//
//  1. Handler encounters an error and calls respondError
//  2. core.MapError turns it into a support code and message
//  3. The technical error is logged with the request id for correlation
//  4. The client gets the code, message and suggested action as JSON
//
// The HTTP status follows from the support code unless the handler
// supplies one.

import (
	"net/http"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

var statusByCode = map[string]int{
	"SCH001":  http.StatusUnprocessableEntity,
	"FILE001": http.StatusUnprocessableEntity,
	"FILE002": http.StatusBadRequest,
	"REC001":  http.StatusUnprocessableEntity,
	"DSP001":  http.StatusBadGateway,
	"RUN001":  http.StatusTooManyRequests,
	"RUN002":  http.StatusNotFound,
	"RUN003":  http.StatusConflict,
	"SRC001":  http.StatusNotFound,
	"DB001":   http.StatusServiceUnavailable,
}

// statusFor picks the HTTP status for an error's support code.
func statusFor(msg core.UserMessage) int {
	if status, ok := statusByCode[msg.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError logs the technical error and writes the user-facing one.
// A zero status is derived from the error.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := core.MapError(err)
	if status == 0 {
		status = statusFor(msg)
	}

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// respondBadRequest rejects a malformed request. The reason is our own
// text, so it is safe to return as is.
func respondBadRequest(w http.ResponseWriter, r *http.Request, reason string) {
	logging.FromContext(r.Context()).Warn("bad request",
		"path", r.URL.Path,
		"method", r.Method,
		"reason", reason,
	)
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   reason,
		Message: reason,
		Code:    "REQ001",
	})
}
