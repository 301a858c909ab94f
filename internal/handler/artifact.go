package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/hotelkey/keyservice/internal/model"
	"github.com/hotelkey/keyservice/internal/pass"
)

// ArtifactHandler serves published pass files by name.
type ArtifactHandler struct {
	publisher *pass.FilePublisher
	logger    *slog.Logger
}

func NewArtifactHandler(p *pass.FilePublisher, logger *slog.Logger) *ArtifactHandler {
	return &ArtifactHandler{publisher: p, logger: logger}
}

// Download handles GET /passes/{ecosystem}/{filename}
func (h *ArtifactHandler) Download(w http.ResponseWriter, r *http.Request) {
	eco, ok := model.ParseEcosystem(r.PathValue("ecosystem"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	format, err := pass.FormatFor(eco)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	f, err := h.publisher.Open(eco, r.PathValue("filename"))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			h.logger.Warn("open artifact", "ecosystem", eco, "filename", r.PathValue("filename"), "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.Error("stat artifact", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	noCache(w)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+info.Name()+`"`)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
