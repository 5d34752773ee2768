package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/registry"
	"github.com/tcmartin/stepflow/pkg/runtime"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, runtime.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, runtime.ErrFlowNotFound):
		return http.StatusNotFound, "flow_not_found"
	case errors.Is(err, runtime.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, runtime.ErrRetryLimit):
		return http.StatusConflict, "retry_limit"
	case errors.Is(err, runtime.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, registry.ErrBuiltinFlow):
		return http.StatusConflict, "builtin_flow"
	case errors.Is(err, runtime.ErrUnknownOperation):
		return http.StatusBadRequest, "unknown_operation"
	case errors.Is(err, runtime.ErrUnknownStep):
		return http.StatusBadRequest, "unknown_step"
	case errors.Is(err, registry.ErrInvalidDefinition):
		return http.StatusBadRequest, "invalid_definition"
	}
	return http.StatusInternalServerError, ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("Request failed",
			logging.String("path", r.URL.Path),
			logging.Err(err),
		)
		writeJSON(w, status, ErrorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}
