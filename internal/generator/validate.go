package generator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/starford/imagestudio/internal/apperr"
)

// MaxReferenceBytes bounds a single reference image.
const MaxReferenceBytes = 20 << 20

// DetectReference checks that data decodes as a supported image and returns
// its MIME type, e.g. "image/webp".
func DetectReference(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("reference image is empty: %w", apperr.ErrInvalidInput)
	}
	if len(data) > MaxReferenceBytes {
		return "", fmt.Errorf("reference image exceeds %d bytes: %w", MaxReferenceBytes, apperr.ErrInvalidInput)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("reference image: %v: %w", err, apperr.ErrInvalidInput)
	}
	return "image/" + format, nil
}

// NormalizeReference validates ref and fills in its MIME type from the
// decoded format.
func NormalizeReference(ref Reference) (Reference, error) {
	mt, err := DetectReference(ref.Data)
	if err != nil {
		if ref.Name != "" {
			return ref, fmt.Errorf("%s: %w", ref.Name, err)
		}
		return ref, err
	}
	ref.MIMEType = mt
	return ref, nil
}
