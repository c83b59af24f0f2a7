package api

import "github.com/starford/imagestudio/internal/models"

// GenerateRequest is the JSON form of POST /generate. Null entries in
// ReferenceImagePaths mark uploaded (pathless) slots.
type GenerateRequest struct {
	Prompt              string    `json:"prompt"`
	AspectRatio         string    `json:"aspect_ratio"`
	Resolution          string    `json:"resolution"`
	APIKey              string    `json:"api_key"`
	ReferenceImagePaths []*string `json:"reference_image_paths"`
}

// GenerateResponse is returned by POST /generate.
type GenerateResponse struct {
	Image     string `json:"image"`
	ImageData string `json:"image_data"`
}

// GalleryResponse is returned by GET /gallery.
type GalleryResponse struct {
	Images []string `json:"images"`
}

// ImageListResponse is returned by GET /images.
type ImageListResponse struct {
	Images []models.Image `json:"images"`
	Total  int            `json:"total"`
}

// DeleteImageRequest is the body of POST /delete_image.
type DeleteImageRequest struct {
	Filename string `json:"filename"`
}

// StatusResponse acknowledges a mutation.
type StatusResponse struct {
	Status string `json:"status"`
}

// MetadataResponse wraps decoded generation metadata; Metadata is null
// when the image carries none.
type MetadataResponse struct {
	Metadata any `json:"metadata"`
}
