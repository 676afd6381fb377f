package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/patrolwire/patrolwire/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondErr inspects err's apperr.Kind and writes the matching status code
// and caller-safe detail, so handlers don't each re-derive the mapping.
func RespondErr(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	RespondError(w, apperr.HTTPStatus(kind), string(kind), apperr.Detail(err))
}
