package httpapi

import (
	"errors"
	"io/fs"
	"net/http"

	"engined/internal/registry"
	"engined/pkg/types"
)

// HTTPError is implemented by service errors that carry their own status.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps an admin service error to a response status. Wrapped
// errors are unwrapped; anything unrecognised is a 500.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case registry.IsModelNotFound(err), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}
