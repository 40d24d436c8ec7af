package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/localship/internal/service/deploy"
)

// apiError is the body of every failed API call. Status carries the
// deployment's persisted state when an upload failed after it was recorded.
type apiError struct {
	Error  string `json:"error"`
	Status string `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// errorStatus maps orchestrator and store errors onto HTTP status codes.
// Anything it does not recognise is a 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, deploy.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, deploy.ErrBusy), errors.Is(err, deploy.ErrNoContainer):
		return http.StatusConflict
	case deploy.IsInputError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
