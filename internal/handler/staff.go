package handler

import (
	"log/slog"
	"net/http"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
)

// StaffHandler lets admins review and revoke staff tokens. Issuing tokens is
// done from the CLI.
type StaffHandler struct {
	tokens *store.StaffTokenStore
	logger *slog.Logger
}

func NewStaffHandler(tokens *store.StaffTokenStore, logger *slog.Logger) *StaffHandler {
	return &StaffHandler{tokens: tokens, logger: logger}
}

// List handles GET /staff/tokens
func (h *StaffHandler) List(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.tokens.List(r.Context())
	if err != nil {
		writeError(w, h.logger, "list staff tokens", err)
		return
	}
	if tokens == nil {
		tokens = []model.StaffToken{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

// Revoke handles DELETE /staff/tokens/{id}
func (h *StaffHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tok, err := h.tokens.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "get staff token", err)
		return
	}
	if tok == nil {
		writeError(w, h.logger, "get staff token", apperr.NotFound("staff token", id))
		return
	}
	if err := h.tokens.Revoke(r.Context(), id); err != nil {
		writeError(w, h.logger, "revoke staff token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
