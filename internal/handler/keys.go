package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hotelkey/keyservice/internal/apperr"
	"github.com/hotelkey/keyservice/internal/keys"
	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/store"
)

// Deliverer sends a key's pass to the guest in the background.
type Deliverer interface {
	Deliver(keyID, to string)
}

type KeyHandler struct {
	engine    *keys.Engine
	keys      *store.KeyStore
	events    *store.EventStore
	deliverer Deliverer
	logger    *slog.Logger
}

func NewKeyHandler(engine *keys.Engine, ks *store.KeyStore, es *store.EventStore, d Deliverer, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{engine: engine, keys: ks, events: es, deliverer: d, logger: logger}
}

type keyResponse struct {
	*model.Key
	ArtifactUpdated *bool `json:"artifact_updated,omitempty"`
}

// Issue handles POST /keys
func (h *KeyHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID    string `json:"reservation_id"`
		PassType         string `json:"pass_type"`
		SendEmail        bool   `json:"send_email"`
		AlternativeEmail string `json:"alternative_email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	req.ReservationID = strings.TrimSpace(req.ReservationID)
	if req.ReservationID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reservation_id is required"})
		return
	}
	if req.PassType == "" {
		req.PassType = string(model.EcosystemApple)
	}
	eco, ok := model.ParseEcosystem(req.PassType)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pass_type must be apple or google"})
		return
	}

	key, err := h.engine.Issue(r.Context(), keys.IssueRequest{ReservationID: req.ReservationID, Ecosystem: eco})
	if err != nil {
		writeError(w, h.logger, "issue key", err)
		return
	}
	if req.SendEmail && h.deliverer != nil {
		h.deliverer.Deliver(key.ID, strings.TrimSpace(req.AlternativeEmail))
	}
	writeJSON(w, http.StatusCreated, keyResponse{Key: key})
}

// List handles GET /keys. Without reservation_id it lists active keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		list []model.Key
		err  error
	)
	if id := r.URL.Query().Get("reservation_id"); id != "" {
		list, err = h.keys.ListByReservation(r.Context(), id)
	} else {
		list, err = h.keys.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, h.logger, "list keys", err)
		return
	}
	if list == nil {
		list = []model.Key{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /keys/{id}
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.keys.Detail(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "get key", err)
		return
	}
	if d == nil {
		writeError(w, h.logger, "get key", apperr.NotFound("key", id))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Activate handles PATCH /keys/{id}/activate. With ?wait=true the response
// is held until the pass has been rebuilt and devices notified.
func (h *KeyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		key, updated, err := h.engine.ActivateAndWait(r.Context(), id)
		if err != nil {
			writeError(w, h.logger, "activate key", err)
			return
		}
		writeJSON(w, http.StatusOK, keyResponse{Key: key, ArtifactUpdated: &updated})
		return
	}
	key, err := h.engine.Activate(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "activate key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Deactivate handles PATCH /keys/{id}/deactivate
func (h *KeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	key, err := h.engine.Deactivate(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, h.logger, "deactivate key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

// Suspend handles PATCH /keys/{id}/suspend
func (h *KeyHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

// Resume handles PATCH /keys/{id}/resume
func (h *KeyHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *KeyHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	var req reasonRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	var (
		key *model.Key
		err error
	)
	if active {
		key, err = h.engine.Resume(r.Context(), r.PathValue("id"), req.Reason)
	} else {
		key, err = h.engine.Suspend(r.Context(), r.PathValue("id"), req.Reason)
	}
	if err != nil {
		writeError(w, h.logger, "set key active flag", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

// Extend handles PATCH /keys/{id}/extend
func (h *KeyHandler) Extend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewEnd string `json:"new_end"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	newEnd, err := time.Parse(time.RFC3339, strings.TrimSpace(req.NewEnd))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "new_end must be an RFC 3339 timestamp"})
		return
	}
	key, err := h.engine.Extend(r.Context(), r.PathValue("id"), newEnd)
	if err != nil {
		writeError(w, h.logger, "extend key", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

// Regenerate handles POST /keys/{id}/regenerate
func (h *KeyHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	key, err := h.engine.Regenerate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "regenerate key", err)
		return
	}
	writeJSON(w, http.StatusCreated, keyResponse{Key: key})
}

// RotateToken handles POST /keys/{id}/rotate-token
func (h *KeyHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	key, err := h.engine.RotateToken(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "rotate token", err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

// Events handles GET /keys/{id}/events
func (h *KeyHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	k, err := h.keys.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "get key", err)
		return
	}
	if k == nil {
		writeError(w, h.logger, "get key", apperr.NotFound("key", id))
		return
	}
	events, err := h.events.ListByKey(r.Context(), id, limit)
	if err != nil {
		writeError(w, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []model.KeyEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
