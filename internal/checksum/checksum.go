// Package checksum fingerprints gallery files so the index can tell when an
// image changed on disk.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"image/color"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Color derives a stable opaque color from s.
func Color(s string) color.RGBA {
	h := sha256.Sum256([]byte(s))
	return color.RGBA{R: h[0], G: h[1], B: h[2], A: 0xff}
}
