package refslots

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultMIME     = "image/png"
	defaultFileName = "reference.png"
)

// File is a named blob of image bytes attached to a slot.
type File interface {
	Name() string
	Type() string
	Open() (io.ReadCloser, error)
}

type memFile struct {
	name string
	typ  string
	data []byte
}

// NewFile wraps in-memory bytes as a File.
func NewFile(name, mimeType string, data []byte) File {
	return &memFile{name: name, typ: mimeType, data: data}
}

func (f *memFile) Name() string { return f.name }
func (f *memFile) Type() string { return f.typ }

func (f *memFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// OpenFile reads a local file. The MIME type is taken from the extension
// and falls back to content sniffing.
func OpenFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("refslots: read %s: %w", path, err)
	}
	typ := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if typ == "" {
		typ = http.DetectContentType(data)
	}
	if mt, _, err := mime.ParseMediaType(typ); err == nil {
		typ = mt
	}
	return NewFile(filepath.Base(path), typ, data), nil
}

// ReadAll returns the full contents of f.
func ReadAll(f File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// EncodeDataURL renders data as a base64 data URL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL parses a base64 data URL. A missing media type yields
// image/png.
func DecodeDataURL(s string) ([]byte, string, error) {
	prefix, payload, ok := strings.Cut(s, ",")
	if !ok {
		return nil, "", fmt.Errorf("refslots: invalid data URL: missing comma separator")
	}
	// Anything after a second comma is not part of the payload.
	payload, _, _ = strings.Cut(payload, ",")

	mimeType := defaultMIME
	if _, rest, found := strings.Cut(prefix, ":"); found {
		if mt, _, semi := strings.Cut(rest, ";"); semi && mt != "" {
			mimeType = mt
		}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("refslots: invalid base64 data: %w", err)
		}
	}
	return data, mimeType, nil
}

// CachedImage is the persisted form of a filled slot.
type CachedImage struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	DataURL   string `json:"dataUrl"`
	SourceURL string `json:"sourceUrl,omitempty"`
}

// File materialises the cached data URL back into bytes.
func (c CachedImage) File() (File, error) {
	data, _, err := DecodeDataURL(c.DataURL)
	if err != nil {
		return nil, err
	}
	name := c.Name
	if name == "" {
		name = defaultFileName
	}
	typ := c.Type
	if typ == "" {
		typ = defaultMIME
	}
	return NewFile(name, typ, data), nil
}
