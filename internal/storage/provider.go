// Package storage defines the gallery file-system abstraction.
package storage

import (
	"path/filepath"
	"strings"

	"github.com/starford/imagestudio/internal/models"
)

// Provider is the interface for gallery file operations. Names are plain
// file names relative to the gallery root.
type Provider interface {
	// List returns metadata for every image file in the gallery.
	List() ([]models.ImageMetadata, error)
	// Read returns the raw bytes of the named image.
	Read(name string) ([]byte, error)
	// Write atomically writes content under name.
	Write(name string, content []byte) error
	// Delete removes the named image.
	Delete(name string) error
}

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// IsImage reports whether name has a gallery image extension.
func IsImage(name string) bool {
	_, ok := imageExts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ContentType returns the MIME type implied by name's extension.
func ContentType(name string) string {
	if ct, ok := imageExts[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ExtensionFor maps an image MIME type to the file extension used when
// saving it.
func ExtensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
