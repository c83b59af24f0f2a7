package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/starford/imagestudio/internal/generator"
	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/studio"
)

const (
	maxUploadBytes  = 100 << 20 // whole /generate or /metadata request
	maxMemoryBytes  = 32 << 20
	galleryNoCache  = "no-cache, no-store, must-revalidate"
	defaultPageSize = 50
)

// Handler holds API route handlers.
type Handler struct {
	svc *studio.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *studio.Service) *Handler {
	return &Handler{svc: svc}
}

// Generate handles POST /generate. It accepts multipart/form-data with
// reference_images files, a JSON body, or a urlencoded form.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	in, err := parseGenerate(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	out, err := h.svc.Generate(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateResponse{
		Image:     out.URL,
		ImageData: base64.StdEncoding.EncodeToString(out.Data),
	})
}

func parseGenerate(r *http.Request) (studio.GenerateInput, error) {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mt {
	case "application/json":
		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return studio.GenerateInput{}, fmt.Errorf("invalid JSON body")
		}
		return studio.GenerateInput{
			Prompt:         req.Prompt,
			AspectRatio:    req.AspectRatio,
			Resolution:     req.Resolution,
			APIKey:         req.APIKey,
			ReferencePaths: flattenPaths(req.ReferenceImagePaths),
		}, nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
			return studio.GenerateInput{}, fmt.Errorf("request too large or invalid multipart")
		}
		in := formInput(r)
		refs, err := readReferences(r.MultipartForm.File["reference_images"])
		if err != nil {
			return studio.GenerateInput{}, err
		}
		in.References = refs
		return in, nil

	default:
		if err := r.ParseForm(); err != nil {
			return studio.GenerateInput{}, fmt.Errorf("invalid form body")
		}
		return formInput(r), nil
	}
}

func formInput(r *http.Request) studio.GenerateInput {
	in := studio.GenerateInput{
		Prompt:      r.FormValue("prompt"),
		AspectRatio: r.FormValue("aspect_ratio"),
		Resolution:  r.FormValue("resolution"),
		APIKey:      r.FormValue("api_key"),
	}
	if raw := r.FormValue("reference_image_paths"); raw != "" {
		var paths []*string
		if err := json.Unmarshal([]byte(raw), &paths); err == nil {
			in.ReferencePaths = flattenPaths(paths)
		}
	}
	return in
}

// flattenPaths turns null entries into "".
func flattenPaths(paths []*string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, p := range paths {
		if p != nil {
			out[i] = *p
		}
	}
	return out
}

func readReferences(files []*multipart.FileHeader) ([]generator.Reference, error) {
	refs := make([]generator.Reference, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}
		refs = append(refs, generator.Reference{
			Name:     fh.Filename,
			MIMEType: fh.Header.Get("Content-Type"),
			Data:     data,
		})
	}
	return refs, nil
}

// Gallery handles GET /gallery. The optional q parameter searches prompts.
func (h *Handler) Gallery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	urls, err := h.svc.Gallery(r.Context(), q.Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", galleryNoCache)
	writeJSON(w, http.StatusOK, GalleryResponse{Images: urls})
}

// Images handles GET /images: indexed entries with their prompts.
func (h *Handler) Images(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	images, total, err := h.svc.Images(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", galleryNoCache)
	writeJSON(w, http.StatusOK, ImageListResponse{Images: images, Total: total})
}

// DeleteImage handles POST /delete_image with {"filename": ...}. The
// filename may also be a gallery URL.
func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	var req DeleteImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Filename == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("filename is required"))
		return
	}
	name, err := h.svc.NameFromURL(req.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.DeleteImage(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "deleted"})
}

// GetMetadata handles GET /metadata?url=<gallery url or file name>.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("url")
	if ref == "" {
		ref = r.URL.Query().Get("name")
	}
	name, err := h.svc.NameFromURL(ref)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, err := h.svc.Metadata(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MetadataResponse{Metadata: meta})
}

// DecodeMetadata handles POST /metadata: the image is the raw body or a
// multipart "file" field. Anything without metadata yields null.
func (h *Handler) DecodeMetadata(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var data []byte
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
			return
		}
	} else {
		var err error
		data, err = io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
			return
		}
	}
	writeJSON(w, http.StatusOK, MetadataResponse{Metadata: pngmeta.Decode(data, pngmeta.DefaultKey)})
}

// Health handles /health/live and /health/ready.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// normalizePrefix ensures a leading slash and no trailing slash.
func normalizePrefix(p string) string {
	return "/" + strings.Trim(p, "/")
}
