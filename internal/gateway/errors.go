package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soyeahso/kristal-gateway/internal/agent"
)

var (
	ErrClientClosed    = errors.New("client connection closed")
	ErrSessionNotFound = errors.New("session not found")
)

// Error codes returned in {"error": {"code": ...}}.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodePrecondition    = "PRECONDITION_FAILED"
	CodeAgentAPI        = "AGENT_API_ERROR"
	CodeNetwork         = "NETWORK_ERROR"
	CodeSessionCreation = "SESSION_CREATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeMethodNotFound  = "METHOD_NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// sessionCreationError marks a failed automatic session creation in a chat call.
type sessionCreationError struct {
	err error
}

func (e *sessionCreationError) Error() string { return "auto-create session: " + e.err.Error() }
func (e *sessionCreationError) Unwrap() error { return e.err }

// errorBody is the JSON envelope of every REST error response.
type errorBody struct {
	Error ErrorShape `json:"error"`
}

// classify maps an error to an HTTP status and the shape sent to clients.
// Internal error details are only exposed outside production.
func classify(err error, debug bool) (int, ErrorShape) {
	var verr *validationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, ErrorShape{
			Code:    CodeValidation,
			Message: "Invalid request data",
			Details: verr.Fields,
		}
	}

	if errors.Is(err, ErrSessionNotFound) {
		return http.StatusNotFound, ErrorShape{Code: CodeNotFound, Message: "Session not found"}
	}

	var serr *sessionCreationError
	if errors.As(err, &serr) {
		status, _ := classifyAgent(serr.err)
		return status, ErrorShape{
			Code:    CodeSessionCreation,
			Message: "Failed to create session. Please create a session first.",
			Details: serr.err.Error(),
		}
	}

	if status, shape := classifyAgent(err); status != 0 {
		return status, shape
	}

	shape := ErrorShape{Code: CodeInternal, Message: "An internal error occurred"}
	if debug {
		shape.Details = err.Error()
	}
	return http.StatusInternalServerError, shape
}

func classifyAgent(err error) (int, ErrorShape) {
	var ae *agent.Error
	if !errors.As(err, &ae) {
		return 0, ErrorShape{}
	}

	switch {
	case ae.Kind == agent.KindPrecondition:
		return http.StatusBadRequest, ErrorShape{Code: CodePrecondition, Message: ae.Message}
	case ae.IsNetwork():
		var details any
		if ae.Err != nil {
			details = ae.Err.Error()
		}
		return http.StatusServiceUnavailable, ErrorShape{Code: CodeNetwork, Message: ae.Message, Details: details}
	default:
		var details any
		if ae.Details != "" {
			details = ae.Details
		}
		return http.StatusBadGateway, ErrorShape{Code: CodeAgentAPI, Message: ae.Message, Details: details}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError logs err with its classification and writes the error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, shape := classify(err, !s.cfg.IsProduction())

	ev := s.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.log.Error()
	}
	if kind := agent.KindOf(err); kind != 0 {
		ev = ev.Str("kind", kind.String())
	}
	ev.Err(err).
		Str("code", shape.Code).
		Int("status", status).
		Str("path", r.URL.Path).
		Str("requestId", RequestID(r.Context())).
		Msg("request failed")

	writeJSON(w, status, errorBody{Error: shape})
}
