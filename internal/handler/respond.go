package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hotelkey/keyservice/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the apperr taxonomy. Internal failures are logged
// and reported without detail.
func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": apperr.PublicMessage(err)})
}
