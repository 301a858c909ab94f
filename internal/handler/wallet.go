package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/passupdate"
	"github.com/hotelkey/keyservice/internal/push"
)

// WalletHandler serves the device-registration and pull-update endpoints
// wallet apps call. Routes are mounted once per ecosystem.
type WalletHandler struct {
	registry *push.Registry
	updates  *passupdate.Service
	logger   *slog.Logger
}

func NewWalletHandler(registry *push.Registry, updates *passupdate.Service, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{registry: registry, updates: updates, logger: logger}
}

// passToken reads the pass's bearer token. Apple wallets send
// "ApplePass <token>"; other clients use "Bearer <token>".
func passToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	for _, scheme := range []string{"ApplePass ", "Bearer "} {
		if tok, ok := strings.CutPrefix(h, scheme); ok {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}

// Register handles POST /{ecosystem}/devices/{device_id}/registrations/{type_id}/{serial}
func (h *WalletHandler) Register(eco model.Ecosystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			PushToken string `json:"pushToken"`
		}
		// A malformed body leaves the push token empty; the registry then
		// rejects it after the token check.
		_ = decodeOptional(r, &req)

		created, err := h.registry.Register(r.Context(), eco,
			r.PathValue("device_id"), r.PathValue("type_id"), r.PathValue("serial"),
			passToken(r), strings.TrimSpace(req.PushToken))
		if err != nil {
			writeError(w, h.logger, "register device", err)
			return
		}
		if created {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Unregister handles DELETE /{ecosystem}/devices/{device_id}/registrations/{type_id}/{serial}
func (h *WalletHandler) Unregister(eco model.Ecosystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h.registry.Unregister(r.Context(), eco,
			r.PathValue("device_id"), r.PathValue("type_id"), r.PathValue("serial"), passToken(r))
		if err != nil {
			writeError(w, h.logger, "unregister device", err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// Latest handles GET /{ecosystem}/passes/{type_id}/{serial}
func (h *WalletHandler) Latest(eco model.Ecosystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since time.Time
		if v := r.Header.Get("If-Modified-Since"); v != "" {
			if t, err := http.ParseTime(v); err == nil {
				since = t.UTC()
			}
		}

		art, modified, err := h.updates.Latest(r.Context(), eco,
			r.PathValue("type_id"), r.PathValue("serial"), passToken(r), since)
		if errors.Is(err, passupdate.ErrNotModified) {
			w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if err != nil {
			writeError(w, h.logger, "latest pass", err)
			return
		}

		noCache(w)
		w.Header().Set("Content-Type", art.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+art.Filename+`"`)
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		w.Write(art.Data)
	}
}

type changesResponse struct {
	SerialNumbers []string `json:"serialNumbers"`
	LastUpdated   string   `json:"lastUpdated"`
}

// parseSince accepts the tag handed out in lastUpdated. An empty value means
// everything.
func parseSince(r *http.Request) (time.Time, bool) {
	v := r.URL.Query().Get("passesUpdatedSince")
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func newChangesResponse(c *passupdate.Changes) changesResponse {
	resp := changesResponse{SerialNumbers: c.Serials}
	if !c.LastUpdated.IsZero() {
		resp.LastUpdated = c.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

// ChangedSince handles GET /{ecosystem}/passes/{type_id}
func (h *WalletHandler) ChangedSince(eco model.Ecosystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, ok := parseSince(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid passesUpdatedSince"})
			return
		}
		changes, err := h.updates.ChangedSince(r.Context(), eco, r.PathValue("type_id"), since)
		if err != nil {
			writeError(w, h.logger, "changed since", err)
			return
		}
		writeJSON(w, http.StatusOK, newChangesResponse(changes))
	}
}

// DeviceSerials handles GET /{ecosystem}/devices/{device_id}/registrations/{type_id}
func (h *WalletHandler) DeviceSerials(eco model.Ecosystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, ok := parseSince(r)
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid passesUpdatedSince"})
			return
		}
		changes, err := h.updates.SerialsForDevice(r.Context(), eco,
			r.PathValue("device_id"), r.PathValue("type_id"), since)
		if err != nil {
			writeError(w, h.logger, "device serials", err)
			return
		}
		if len(changes.Serials) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, newChangesResponse(changes))
	}
}

// Log handles POST /{ecosystem}/log
func (h *WalletHandler) Log(eco model.Ecosystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Logs []string `json:"logs"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
			return
		}
		for _, line := range req.Logs {
			h.logger.Info("wallet log", "ecosystem", eco, "message", line)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func noCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}
