package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hotelkey/keyservice/internal/verify"
)

type VerifyHandler struct {
	verifier *verify.Verifier
	logger   *slog.Logger
}

func NewVerifyHandler(v *verify.Verifier, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, logger: logger}
}

// Verify handles POST /verify/key. Locks read the decision from the body, so
// every answer that reaches a decision is a 200.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Serial     string `json:"key_uuid"`
		LockID     string `json:"lock_id"`
		DeviceInfo string `json:"device_info"`
		Location   string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, verify.Result{Reason: "invalid request"})
		return
	}

	res, err := h.verifier.Verify(r.Context(), verify.Request{
		Serial:     req.Serial,
		LockID:     req.LockID,
		DeviceInfo: req.DeviceInfo,
		Location:   req.Location,
	})
	if err != nil {
		h.logger.Error("verify key", "serial", req.Serial, "error", err)
		writeJSON(w, http.StatusOK, verify.Result{Reason: "verification unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
