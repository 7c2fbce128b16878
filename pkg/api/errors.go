package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/qcforge/qcforge/pkg/storage"
)

// LimitExceededError rejects a request touching more entities than the
// configured API limit allows. The request fails whole.
type LimitExceededError struct {
	What      string
	Requested int
	Limit     int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("cannot %s: %d requested, limit is %d", e.What, e.Requested, e.Limit)
}

// errorBody is the JSON error envelope. Shutdown is set only for
// manager-boundary errors and tells the manager to terminate.
type errorBody struct {
	Error    string `json:"error"`
	Shutdown bool   `json:"shutdown,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	var mgrErr *storage.ComputeManagerError
	var limitErr *LimitExceededError
	switch {
	case errors.As(err, &mgrErr):
		respondJSON(w, http.StatusConflict, errorBody{Error: mgrErr.Message, Shutdown: mgrErr.Shutdown})
	case errors.As(err, &limitErr):
		respondJSON(w, http.StatusBadRequest, errorBody{Error: limitErr.Error()})
	case errors.Is(err, storage.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, storage.ErrInvalidTransition):
		respondJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func respondBadRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
}

// decodeBody strictly decodes the request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// checkLimit enforces one API limit. Zero limits disable the check.
func checkLimit(what string, n, limit int) error {
	if limit > 0 && n > limit {
		return &LimitExceededError{What: what, Requested: n, Limit: limit}
	}
	return nil
}
