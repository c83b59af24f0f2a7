// Package studio coordinates image generation with gallery storage and the
// index.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/imagestudio/internal/apperr"
	"github.com/starford/imagestudio/internal/generator"
	"github.com/starford/imagestudio/internal/index"
	"github.com/starford/imagestudio/internal/models"
	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/storage"
)

// EnvAPIKey is consulted when neither the request nor the config carries a key.
const EnvAPIKey = "GOOGLE_API_KEY"

// DefaultResolution is used when a request leaves resolution empty.
const DefaultResolution = "2K"

// Request errors. Their messages are part of the HTTP contract.
var (
	ErrPromptRequired = errors.New("Prompt is required")    //nolint:staticcheck // wire message
	ErrAPIKeyRequired = errors.New("API Key is required.") //nolint:staticcheck // wire message
)

// GenerateInput is one generation request.
//
// ReferencePaths is positional per reference slot with "" for slots that
// held an uploaded image. It is always recorded in the output metadata and
// is resolved against the gallery only when References is empty.
type GenerateInput struct {
	Prompt         string
	AspectRatio    string
	Resolution     string
	APIKey         string
	References     []generator.Reference
	ReferencePaths []string
}

// GenerateOutput is the saved result of a generation.
type GenerateOutput struct {
	Name     string
	URL      string
	Data     []byte
	MIMEType string
	Metadata models.GenerationMetadata
}

// Options configures a Service.
type Options struct {
	// URLPrefix is the URL path gallery files are served under.
	URLPrefix string
	// APIKey is the fallback key when a request carries none.
	APIKey string
	// RequireAPIKey rejects requests for which no key resolves.
	RequireAPIKey bool
	// DefaultResolution overrides DefaultResolution.
	DefaultResolution string
}

// Service coordinates generation, storage and index operations.
type Service struct {
	store  storage.Provider
	db     index.ImageIndex
	gen    generator.Generator
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService creates a new studio service.
func NewService(store storage.Provider, db index.ImageIndex, gen generator.Generator, opts Options, logger *slog.Logger) *Service {
	if opts.URLPrefix == "" {
		opts.URLPrefix = "/static/generated"
	}
	opts.URLPrefix = "/" + strings.Trim(opts.URLPrefix, "/")
	if opts.DefaultResolution == "" {
		opts.DefaultResolution = DefaultResolution
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		db:     db,
		gen:    gen,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// URLFor returns the public URL path of a gallery file.
func (s *Service) URLFor(name string) string {
	return s.opts.URLPrefix + "/" + name
}

// NameFromURL maps a gallery URL (absolute, path-only or a bare file name)
// to the stored file name. It fails with apperr.ErrInvalidInput for URLs
// outside the gallery prefix.
func (s *Service) NameFromURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty image reference: %w", apperr.ErrInvalidInput)
	}
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	if !strings.Contains(p, "/") {
		return validName(p)
	}
	dir, name := path.Split(path.Clean(p))
	if strings.TrimSuffix(dir, "/") != s.opts.URLPrefix {
		return "", fmt.Errorf("%q is not a gallery image: %w", raw, apperr.ErrInvalidInput)
	}
	return validName(name)
}

func validName(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid file name %q: %w", name, apperr.ErrInvalidInput)
	}
	return name, nil
}

func (s *Service) resolveAPIKey(requested string) string {
	if requested != "" {
		return requested
	}
	if s.opts.APIKey != "" {
		return s.opts.APIKey
	}
	return os.Getenv(EnvAPIKey)
}

// Generate validates the request, calls the generator, embeds generation
// metadata and saves the result under a random name.
func (s *Service) Generate(ctx context.Context, in GenerateInput) (*GenerateOutput, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, ErrPromptRequired
	}
	key := s.resolveAPIKey(in.APIKey)
	if key == "" && s.opts.RequireAPIKey {
		return nil, ErrAPIKeyRequired
	}
	resolution := in.Resolution
	if resolution == "" {
		resolution = s.opts.DefaultResolution
	}

	refs := s.collectReferences(in)

	res, err := s.gen.Generate(ctx, generator.Request{
		Prompt:      in.Prompt,
		AspectRatio: in.AspectRatio,
		Resolution:  resolution,
		APIKey:      key,
		References:  refs,
	})
	if err != nil {
		return nil, err
	}

	meta := models.GenerationMetadata{
		Prompt:              in.Prompt,
		AspectRatio:         in.AspectRatio,
		Resolution:          resolution,
		Model:               s.gen.Model(),
		ReferenceImagePaths: in.ReferencePaths,
		CreatedAt:           s.now().UTC(),
	}

	data := res.Data
	if res.MIMEType == "image/png" {
		tagged, err := pngmeta.Encode(data, pngmeta.DefaultKey, meta)
		if err != nil {
			s.logger.Warn("studio: embed metadata failed", slog.String("error", err.Error()))
		} else {
			data = tagged
		}
	}

	name := s.newID() + storage.ExtensionFor(res.MIMEType)
	if err := s.store.Write(name, data); err != nil {
		return nil, fmt.Errorf("studio: save image: %w", err)
	}
	if err := index.IndexFile(s.db, name, data, meta.CreatedAt); err != nil {
		// The watcher or next sync picks the file up.
		s.logger.Warn("studio: index failed", slog.String("name", name), slog.String("error", err.Error()))
	}

	s.logger.Info("studio: image saved", slog.String("name", name), slog.Int("references", len(refs)))
	return &GenerateOutput{
		Name:     name,
		URL:      s.URLFor(name),
		Data:     data,
		MIMEType: res.MIMEType,
		Metadata: meta,
	}, nil
}

// collectReferences returns the decodable uploads followed by the gallery
// images named by ReferencePaths. Path entries that are empty or bare file
// names stand for uploaded slots and are not looked up. Undecodable or
// unresolvable entries are skipped.
func (s *Service) collectReferences(in GenerateInput) []generator.Reference {
	var out []generator.Reference
	for _, ref := range in.References {
		norm, err := generator.NormalizeReference(ref)
		if err != nil {
			s.logger.Warn("studio: skipping reference", slog.String("error", err.Error()))
			continue
		}
		out = append(out, norm)
	}
	for _, p := range in.ReferencePaths {
		if !strings.Contains(p, "/") {
			continue
		}
		name, err := s.NameFromURL(p)
		if err != nil {
			s.logger.Warn("studio: skipping reference path", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		data, err := s.store.Read(name)
		if err != nil {
			s.logger.Warn("studio: reference not found", slog.String("name", name), slog.String("error", err.Error()))
			continue
		}
		norm, err := generator.NormalizeReference(generator.Reference{Name: name, Data: data})
		if err != nil {
			s.logger.Warn("studio: skipping reference", slog.String("error", err.Error()))
			continue
		}
		out = append(out, norm)
	}
	return out
}

// Gallery returns gallery URLs newest first. With a non-empty query the
// index is searched by prompt instead.
func (s *Service) Gallery(_ context.Context, query string, limit int) ([]string, error) {
	if q := strings.TrimSpace(query); q != "" {
		hits, err := s.db.Search(q, limit)
		if err != nil {
			return nil, err
		}
		urls := make([]string, 0, len(hits))
		for _, h := range hits {
			urls = append(urls, s.URLFor(h.Name))
		}
		return urls, nil
	}

	metas, err := s.store.List()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].ModTime.After(metas[j].ModTime)
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	urls := make([]string, 0, len(metas))
	for _, m := range metas {
		urls = append(urls, s.URLFor(m.Name))
	}
	return urls, nil
}

// Images returns indexed gallery entries newest first.
func (s *Service) Images(_ context.Context, limit, offset int) ([]models.Image, int, error) {
	rows, total, err := s.db.ListImages(limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.Image, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.Image{
			Name:        r.Name,
			URL:         s.URLFor(r.Name),
			Prompt:      r.Prompt,
			AspectRatio: r.AspectRatio,
			Resolution:  r.Resolution,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, total, nil
}

// Image returns the raw bytes of a gallery file.
func (s *Service) Image(_ context.Context, name string) ([]byte, error) {
	if _, err := validName(name); err != nil {
		return nil, err
	}
	data, err := s.store.Read(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// DeleteImage removes a gallery file and its index entry.
func (s *Service) DeleteImage(_ context.Context, name string) error {
	if _, err := validName(name); err != nil {
		return err
	}
	if err := s.store.Delete(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return apperr.ErrNotFound
		}
		return err
	}
	if err := s.db.DeleteImage(name); err != nil {
		s.logger.Warn("studio: index delete failed", slog.String("name", name), slog.String("error", err.Error()))
	}
	return nil
}

// Metadata decodes the generation metadata of a gallery image. A file
// without metadata yields nil.
func (s *Service) Metadata(ctx context.Context, name string) (any, error) {
	data, err := s.Image(ctx, name)
	if err != nil {
		return nil, err
	}
	return pngmeta.Decode(data, pngmeta.DefaultKey), nil
}

// ImportImage validates data as an image and stores it in the gallery
// under a random name, returning the saved output. Imported images carry no
// generation metadata.
func (s *Service) ImportImage(_ context.Context, data []byte) (*GenerateOutput, error) {
	mt, err := generator.DetectReference(data)
	if err != nil {
		return nil, err
	}
	switch mt {
	case "image/png", "image/jpeg", "image/webp":
	default:
		return nil, fmt.Errorf("unsupported gallery format %s: %w", mt, apperr.ErrInvalidInput)
	}
	name := s.newID() + storage.ExtensionFor(mt)
	if err := s.store.Write(name, data); err != nil {
		return nil, fmt.Errorf("studio: save image: %w", err)
	}
	if err := index.IndexFile(s.db, name, data, s.now()); err != nil {
		s.logger.Warn("studio: index failed", slog.String("name", name), slog.String("error", err.Error()))
	}
	return &GenerateOutput{Name: name, URL: s.URLFor(name), Data: data, MIMEType: mt}, nil
}
