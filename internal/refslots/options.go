package refslots

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Renderer displays slot state. RenderSlot is called once per slot change
// with a snapshot. It may call Manager methods; the renders those cause are
// delivered after the current one returns.
type Renderer interface {
	RenderSlot(view SlotView)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(view SlotView)

// RenderSlot implements Renderer.
func (f RendererFunc) RenderSlot(view SlotView) { f(view) }

// Fetcher performs the HTTP requests used to import images by URL.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRenderer sets the slot renderer.
func WithRenderer(r Renderer) Option {
	return func(m *Manager) {
		m.renderer = r
	}
}

// WithFetcher sets the HTTP client used for URL imports.
func WithFetcher(f Fetcher) Option {
	return func(m *Manager) {
		m.fetcher = f
	}
}

// WithOrigin sets the base URL that relative image URLs resolve against.
// Imports from the same origin remember only the URL path.
func WithOrigin(u *url.URL) Option {
	return func(m *Manager) {
		m.origin = u
	}
}

// WithOnChange registers a callback fired after slot content changes.
// Like Renderer, it may call back into the Manager.
func WithOnChange(fn func()) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithClock overrides the time source used for cache busting.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}
