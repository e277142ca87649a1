package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

var validate = validator.New()

// envelope is the body of every JSON response.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details string      `json:"details,omitempty"`
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Error encoding JSON response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondData(w http.ResponseWriter, data interface{}) {
	s.respondJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (s *Server) respondMessage(w http.ResponseWriter, message string, data interface{}) {
	s.respondJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

// respondError reports err under summary. The status comes from the error
// code when err is a FleetError.
func (s *Server) respondError(w http.ResponseWriter, summary string, err error) {
	status := fleeterrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(summary, map[string]interface{}{"error": err.Error()})
	}
	s.respondJSON(w, status, envelope{Error: summary, Details: err.Error()})
}

func (s *Server) respondStatus(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, envelope{Error: message})
}

// decodeJSON decodes a required body and checks its validate tags.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fleeterrors.NewValidationError("invalid request body: %v", err)
	}
	return validateBody(v)
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fleeterrors.NewValidationError("invalid request body: %v", err)
	}
	return validateBody(v)
}

func validateBody(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fleeterrors.NewValidationError("validation error: %v", err)
	}
	return nil
}
