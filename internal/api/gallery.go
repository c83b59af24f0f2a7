package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/imagestudio/internal/storage"
)

// GalleryFileHandler serves generated images from the gallery directory.
type GalleryFileHandler struct {
	root string
}

// NewGalleryFileHandler creates a handler rooted at the gallery directory.
func NewGalleryFileHandler(root string) *GalleryFileHandler {
	return &GalleryFileHandler{root: root}
}

// ServeFile handles GET <prefix>/{filename}.
func (h *GalleryFileHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || !storage.IsImage(name) {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}
	abs := filepath.Join(h.root, name)
	if info, err := os.Stat(abs); err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", storage.ContentType(name))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, abs)
}
