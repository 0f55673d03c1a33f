package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foxzi/bulkops/internal/batch"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// ErrorResponse is the error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

// ListResponse wraps one page of a collection
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// sendFailure maps engine errors to HTTP statuses
func (s *Server) sendFailure(w http.ResponseWriter, r *http.Request, err error) {
	var verr *batch.ValidationError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &verr):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Details: verr.Fields})
	case errors.As(err, &tooLarge):
		s.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	case errors.Is(err, batch.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, batch.ErrAlreadyTerminal):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a JSON request body, rejecting unknown fields
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &batch.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	return nil
}

type queryError struct {
	param string
	msg   string
}

func (e *queryError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.param, e.msg)
}

func (s *Server) sendQueryError(w http.ResponseWriter, err error) {
	var qerr *queryError
	if errors.As(err, &qerr) {
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid query",
			Details: map[string]string{qerr.param: qerr.msg},
		})
		return
	}
	s.sendError(w, http.StatusBadRequest, err.Error())
}

// pagination reads limit and offset, defaulting to the first page
func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()

	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, &queryError{"limit", fmt.Sprintf("must be between 1 and %d", maxPageLimit)}
		}
	}

	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, &queryError{"offset", "must be a non-negative integer"}
		}
	}

	return limit, offset, nil
}

// queryTime parses an RFC 3339 timestamp parameter; empty yields nil
func queryTime(r *http.Request, param string) (*time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(param))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, &queryError{param, "must be an RFC 3339 timestamp"}
	}
	t = t.UTC()
	return &t, nil
}

// queryList collects a repeatable parameter, also splitting comma separated values
func queryList(r *http.Request, param string) []string {
	var out []string
	for _, v := range r.URL.Query()[param] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
