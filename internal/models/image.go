// Package models defines the domain types for the image studio.
package models

import "time"

// GenerationMetadata is the record embedded in every generated PNG.
//
// ReferenceImagePaths is positional: entry i describes reference slot i and
// an empty string marks a slot that held an uploaded (pathless) image.
type GenerationMetadata struct {
	Prompt              string    `json:"prompt"`
	AspectRatio         string    `json:"aspect_ratio,omitempty"`
	Resolution          string    `json:"resolution,omitempty"`
	Model               string    `json:"model,omitempty"`
	ReferenceImagePaths []string  `json:"reference_image_paths,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// ImageMetadata is a lightweight representation returned by list operations.
type ImageMetadata struct {
	Name     string    `json:"name"`
	Checksum string    `json:"checksum"`
	ModTime  time.Time `json:"mod_time"`
}

// Image is a gallery entry as exposed by the API.
type Image struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Prompt      string    `json:"prompt,omitempty"`
	AspectRatio string    `json:"aspect_ratio,omitempty"`
	Resolution  string    `json:"resolution,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
