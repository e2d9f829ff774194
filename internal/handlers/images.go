package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"younote/internal/services"
)

type ImageHandler struct {
	images *services.ImageCache
}

func NewImageHandler(images *services.ImageCache) *ImageHandler {
	return &ImageHandler{images: images}
}

// Get serves cached image bytes. 404 when the image was never resolved; the
// handler never fetches from upstream.
func (h *ImageHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(chi.URLParam(r, "ownerUserID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid owner id", http.StatusBadRequest)
		return
	}
	imageID, err := strconv.ParseInt(chi.URLParam(r, "imageID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	img, err := h.images.Get(r.Context(), ownerID, imageID)
	if err != nil {
		if errors.Is(err, services.ErrNotCached) {
			http.Error(w, "not cached", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	// Cached entries are immutable, so the hash makes a stable ETag.
	etag := `"` + img.SHA256 + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, max-age=31536000")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Write(img.Data)
}
