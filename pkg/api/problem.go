// Package api serves the governor control surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scenario"
	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/scheduler"
)

// Error codes carried in the "error" member of a problem document.
const (
	CodeBudgetExceeded    = "BudgetExceeded"
	CodeKillSwitchActive  = "KillSwitchActive"
	CodeBadRequest        = "BadRequest"
	CodeUnauthorized      = "Unauthorized"
	CodeNotFound          = "NotFound"
	CodeConflict          = "Conflict"
	CodeInvalidTransition = "InvalidTransition"
	CodeNoPersonas        = "NoPersonas"
	CodeEmptyTranscript   = "EmptyTranscriptError"
	CodeTooManyRequests   = "TooManyRequests"
	CodeInternal          = "InternalError"
)

// Problem implements RFC 7807 (Problem Details for HTTP APIs) with an extra
// machine-readable error code.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Error    string `json:"error"`
}

// writeProblem writes a problem document for r.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := &Problem{
		Type:   fmt.Sprintf("https://governor.local/errors/%s", code),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Error:  code,
	}
	if r != nil {
		p.Instance = r.URL.Path
		p.TraceID = middleware.GetReqID(r.Context())
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeInternal writes a 500. err is logged but never sent to the client.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	writeProblem(w, r, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred. Please try again later.")
}

// writeError maps a domain error onto its HTTP status and code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contracts.ErrKillSwitchActive):
		writeProblem(w, r, http.StatusServiceUnavailable, CodeKillSwitchActive, "the training kill switch is active")
	case errors.Is(err, contracts.ErrBudgetExceeded):
		writeProblem(w, r, http.StatusInternalServerError, CodeBudgetExceeded, "the daily training budget is exhausted")
	case errors.Is(err, contracts.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, contracts.ErrInvalidTransition):
		writeProblem(w, r, http.StatusConflict, CodeInvalidTransition, err.Error())
	case errors.Is(err, scenario.ErrTerminal), errors.Is(err, scenario.ErrBusy):
		writeProblem(w, r, http.StatusConflict, CodeConflict, err.Error())
	case errors.Is(err, scenario.ErrEmptyObjection):
		writeProblem(w, r, http.StatusBadRequest, CodeBadRequest, err.Error())
	case errors.Is(err, contracts.ErrEmptyTranscript):
		writeProblem(w, r, http.StatusBadRequest, CodeEmptyTranscript, "transcript is empty")
	case errors.Is(err, scheduler.ErrNoPersonas):
		writeProblem(w, r, http.StatusConflict, CodeNoPersonas, err.Error())
	default:
		writeInternal(w, r, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
