package api

import (
	"encoding/json"
	"net/http"

	"github.com/etlmon/backend/internal/core"
)

// errorResponse is the structured error body.
type errorResponse struct {
	Code      core.ErrorCode `json:"code"`
	Message   string         `json:"message"`
	Transient bool           `json:"transient"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := core.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case core.CodeValidation:
		status = http.StatusBadRequest
	case core.CodeNotFound, core.CodeSourceUnknown:
		status = http.StatusNotFound
	case core.CodeConflict, core.CodeIllegalState, core.CodeDuplicateData:
		status = http.StatusConflict
	case core.CodeAuth:
		status = http.StatusForbidden
	case core.CodeSourceUnavailable, core.CodeCircuitOpen:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{
		Code:      code,
		Message:   err.Error(),
		Transient: core.IsTransient(err),
	})
}

func decodeBody(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return core.WrapErr(core.CodeValidation, err, "malformed request body")
	}
	return nil
}
