package web

import (
	"encoding/json"
	"errors"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/logging"
	"github.com/JonMunkholm/sheetsync/internal/web/templates"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Action    string `json:"action,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// statusFor picks the HTTP status for an engine error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrCycleInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrUnknownEntity):
		return http.StatusNotFound
	}
	switch core.FromError(err).Code {
	case core.CodeValidation:
		return http.StatusBadRequest
	case core.CodeRateLimit:
		return http.StatusTooManyRequests
	case core.CodeNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError logs the technical error and writes the operator message.
// The dashboard gets an HTML alert; everything else gets JSON.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"code", msg.Code,
		"error", err,
	)

	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		templates.ErrorAlert(msg.Message, msg.Action, msg.Code).Render(r.Context(), w)
		return
	}
	writeJSON(w, r, status, ErrorResponse{
		Error:     msg.Message,
		Code:      msg.Code,
		Action:    msg.Action,
		RequestID: chimw.GetReqID(r.Context()),
	})
}

// writeBadRequest reports invalid client input.
func writeBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: message, Code: "BAD_REQUEST"})
}

// writeJSON encodes v with the given status. Encoding errors are logged
// since the header is already sent.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("json encode error", "error", err)
	}
}
