package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/imagestudio/internal/studio"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// AuthEnabled controls whether Bearer token auth is enforced.
	AuthEnabled bool
	Token       string
	// Events, if non-nil, is mounted at GET /events inside the auth group.
	Events http.Handler
	// GalleryDir and URLPrefix locate generated images; they are served
	// without auth so <img> tags work.
	GalleryDir string
	URLPrefix  string
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(svc *studio.Service, cfg RouterConfig) chi.Router {
	h := NewHandler(svc)
	files := NewGalleryFileHandler(cfg.GalleryDir)

	r := chi.NewRouter()

	r.Get("/health/live", Health)
	r.Get("/health/ready", Health)
	r.Get(normalizePrefix(cfg.URLPrefix)+"/{filename}", files.ServeFile)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Token))

		r.Post("/generate", h.Generate)
		r.Get("/gallery", h.Gallery)
		r.Get("/images", h.Images)
		r.Post("/delete_image", h.DeleteImage)
		r.Get("/metadata", h.GetMetadata)
		r.Post("/metadata", h.DecodeMetadata)

		if cfg.Events != nil {
			r.Get("/events", cfg.Events.ServeHTTP)
		}
	})

	return r
}
