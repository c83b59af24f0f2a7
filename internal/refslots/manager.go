// Package refslots manages the ordered reference-image slots attached to a
// generation request.
//
// A Manager owns up to MaxSlots slots. Each slot is either empty or holds an
// image that was uploaded, imported from a URL, or restored from a cached
// data URL. After every mutation the Manager keeps one trailing empty slot
// available until the cap is reached.
//
// Concurrency model: a mutex guards slot state and all I/O (file reads,
// HTTP fetches) happens outside it. Render and change notifications are
// emitted in the order the transitions were applied, by whichever caller is
// draining the notification queue. Callbacks may call back into the Manager;
// notifications they cause run after the current batch. When two loads for
// the same slot overlap, the one that completes last wins.
package refslots

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	MaxSlots     = 16
	InitialSlots = 4
)

// Origin records how a slot's bytes were obtained.
type Origin int

const (
	OriginNone Origin = iota
	OriginUploaded
	OriginImported
	OriginCached
)

func (o Origin) String() string {
	switch o {
	case OriginUploaded:
		return "uploaded"
	case OriginImported:
		return "imported"
	case OriginCached:
		return "cached"
	default:
		return "none"
	}
}

// State is the visual state of a slot.
type State int

const (
	StateEmpty State = iota
	StateFilled
)

func (s State) String() string {
	if s == StateFilled {
		return "filled"
	}
	return "empty"
}

// SlotView is a read-only snapshot of one slot.
type SlotView struct {
	Index     int
	State     State
	Origin    Origin
	Preview   string
	Name      string
	SourceURL string
}

type content struct {
	origin    Origin
	file      File
	preview   string
	cached    *CachedImage
	sourceURL string
}

func (c *content) name() string {
	if c.cached != nil && c.cached.Name != "" {
		return c.cached.Name
	}
	if c.file != nil {
		return c.file.Name()
	}
	return ""
}

func (c *content) typ() string {
	if c.cached != nil && c.cached.Type != "" {
		return c.cached.Type
	}
	if c.file != nil {
		return c.file.Type()
	}
	return ""
}

// materialize returns the live file, decoding cached content on demand.
func (c *content) materialize() (File, error) {
	if c.file != nil {
		return c.file, nil
	}
	if c.cached != nil && c.cached.DataURL != "" {
		return c.cached.File()
	}
	return nil, fmt.Errorf("refslots: slot has no file content")
}

// Manager owns the reference slots.
type Manager struct {
	mu    sync.Mutex
	slots []*content

	// Notifications run outside mu, in the order of their transitions.
	pending  []func()
	draining bool

	renderer Renderer
	fetcher  Fetcher
	origin   *url.URL
	onChange func()
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty Manager. Call Initialize before use.
func New(opts ...Option) *Manager {
	m := &Manager{
		fetcher: http.DefaultClient,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// effects collects notifications produced while the state lock is held.
type effects []func()

// mutate applies fn under the state lock and queues its effects. The first
// caller to find the queue idle drains it, including effects queued by
// re-entrant calls from the callbacks it runs.
func (m *Manager) mutate(fn func(e *effects)) {
	var e effects
	m.mu.Lock()
	fn(&e)
	m.pending = append(m.pending, e...)
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	done := false
	defer func() {
		if !done {
			m.mu.Lock()
			m.pending = nil
			m.draining = false
			m.mu.Unlock()
		}
	}()
	for {
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		if len(batch) == 0 {
			m.draining = false
			m.mu.Unlock()
			done = true
			return
		}
		m.mu.Unlock()
		for _, f := range batch {
			f()
		}
	}
}

func (m *Manager) view(i int) SlotView {
	v := SlotView{Index: i}
	c := m.slots[i]
	if c == nil {
		return v
	}
	v.Origin = c.origin
	v.Name = c.name()
	v.SourceURL = c.sourceURL
	if c.preview != "" {
		v.State = StateFilled
		v.Preview = c.preview
	}
	return v
}

func (m *Manager) render(e *effects, i int) {
	if m.renderer == nil {
		return
	}
	v := m.view(i)
	*e = append(*e, func() { m.renderer.RenderSlot(v) })
}

func (m *Manager) changed(e *effects) {
	if m.onChange == nil {
		return
	}
	*e = append(*e, m.onChange)
}

func (m *Manager) addSlot(e *effects) {
	if len(m.slots) >= MaxSlots {
		return
	}
	m.slots = append(m.slots, nil)
	m.render(e, len(m.slots)-1)
}

// maybeGrow appends one empty slot when none is left and the cap allows.
func (m *Manager) maybeGrow(e *effects) {
	for _, c := range m.slots {
		if c == nil {
			return
		}
	}
	m.addSlot(e)
}

func (m *Manager) inRange(index int) bool {
	return index >= 0 && index < len(m.slots)
}

// Initialize creates max(InitialSlots, len(cached)+1) slots, capped at
// MaxSlots, and restores cached content into them by index.
func (m *Manager) Initialize(cached []CachedImage) {
	required := min(MaxSlots, max(InitialSlots, len(cached)+1))
	m.mutate(func(e *effects) {
		for len(m.slots) < required {
			m.addSlot(e)
		}
		for i, c := range cached {
			m.applyCached(e, i, c)
		}
		m.maybeGrow(e)
	})
}

func (m *Manager) applyCached(e *effects, index int, c CachedImage) {
	if c.DataURL == "" || !m.inRange(index) {
		return
	}
	rec := c
	m.slots[index] = &content{
		origin:    OriginCached,
		preview:   c.DataURL,
		cached:    &rec,
		sourceURL: c.SourceURL,
	}
	m.render(e, index)
}

// HandleSlotFile loads f into the slot at index. Files whose type is not
// image/* are ignored. A non-empty sourceURL marks the slot as imported
// and is what ReferencePaths reports for it.
func (m *Manager) HandleSlotFile(index int, f File, sourceURL string) {
	if f == nil || !strings.HasPrefix(f.Type(), "image/") {
		return
	}
	data, err := ReadAll(f)
	if err != nil {
		m.logger.Warn("refslots: read file failed",
			slog.Int("index", index),
			slog.String("name", f.Name()),
			slog.String("error", err.Error()))
		return
	}
	preview := EncodeDataURL(f.Type(), data)

	origin := OriginUploaded
	if sourceURL != "" {
		origin = OriginImported
	}
	m.mutate(func(e *effects) {
		if !m.inRange(index) {
			return
		}
		m.slots[index] = &content{
			origin:    origin,
			file:      f,
			preview:   preview,
			sourceURL: sourceURL,
		}
		m.render(e, index)
		m.changed(e)
		m.maybeGrow(e)
	})
}

// HandleSlotDropFromHistory fetches imageURL and loads it into the slot at
// index. Fetch failures are logged and leave the slot untouched.
func (m *Manager) HandleSlotDropFromHistory(ctx context.Context, index int, imageURL string) {
	target, err := m.resolve(withCacheBuster(imageURL, m.now()))
	if err != nil {
		m.logger.Warn("refslots: invalid history image URL",
			slog.String("url", imageURL), slog.String("error", err.Error()))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		m.logger.Warn("refslots: build request failed",
			slog.String("url", imageURL), slog.String("error", err.Error()))
		return
	}
	resp, err := m.fetcher.Do(req)
	if err != nil {
		m.logger.Warn("refslots: unable to import history image",
			slog.String("url", imageURL), slog.String("error", err.Error()))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Warn("refslots: failed to fetch history image",
			slog.String("url", imageURL), slog.String("status", resp.Status))
		return
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		m.logger.Warn("refslots: read history image failed",
			slog.String("url", imageURL), slog.String("error", err.Error()))
		return
	}

	name := fileNameFromURL(imageURL)
	if name == "" {
		name = "history-" + strconv.Itoa(index+1) + ".png"
	}
	typ := resp.Header.Get("Content-Type")
	if mt, _, perr := mime.ParseMediaType(typ); perr == nil {
		typ = mt
	}
	if typ == "" {
		typ = defaultMIME
	}

	m.HandleSlotFile(index, NewFile(name, typ, data), m.sourceURL(imageURL))
}

// resolve turns raw into an absolute URL using the configured origin.
func (m *Manager) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if m.origin != nil {
		u = m.origin.ResolveReference(u)
	}
	return u, nil
}

// sourceURL returns the path of imageURL when it shares the manager's
// origin and the URL itself otherwise.
func (m *Manager) sourceURL(imageURL string) string {
	if m.origin == nil {
		return imageURL
	}
	u, err := m.resolve(imageURL)
	if err != nil {
		return imageURL
	}
	if u.Scheme == m.origin.Scheme && u.Host == m.origin.Host {
		return u.EscapedPath()
	}
	return imageURL
}

// ClearSlot empties the slot at index. Out-of-range indexes are ignored.
func (m *Manager) ClearSlot(index int) {
	m.mutate(func(e *effects) {
		m.clear(e, index)
	})
}

func (m *Manager) clear(e *effects, index int) {
	if !m.inRange(index) {
		return
	}
	m.slots[index] = nil
	m.render(e, index)
	m.changed(e)
}

// SetReferenceImages replaces slot content with the given paths, in order.
// Empty entries and bare file names clear their slot; absolute paths and
// URLs are imported one at a time. Slots past len(paths) are cleared.
func (m *Manager) SetReferenceImages(ctx context.Context, paths []string) {
	m.mutate(func(e *effects) {
		for len(m.slots) < len(paths) && len(m.slots) < MaxSlots {
			m.addSlot(e)
		}
	})

	for i, p := range paths {
		if i >= MaxSlots {
			break
		}
		switch {
		case p == "":
			m.ClearSlot(i)
		case strings.HasPrefix(p, "/") || strings.HasPrefix(p, "http"):
			m.HandleSlotDropFromHistory(ctx, i, p)
		default:
			m.ClearSlot(i)
		}
	}

	m.mutate(func(e *effects) {
		for i := len(paths); i < len(m.slots); i++ {
			m.clear(e, i)
		}
		m.maybeGrow(e)
	})
}

// ReferenceFiles returns, in slot order, the files that must be uploaded:
// every filled slot without a source URL.
func (m *Manager) ReferenceFiles() []File {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []File
	for i, c := range m.slots {
		if c == nil || c.sourceURL != "" {
			continue
		}
		f, err := c.materialize()
		if err != nil {
			m.logger.Warn("refslots: unable to materialize slot",
				slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		out = append(out, f)
	}
	return out
}

// ReferencePaths returns one entry per slot: the source URL, else the file
// name, else "".
func (m *Manager) ReferencePaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.slots))
	for i, c := range m.slots {
		if c == nil {
			continue
		}
		if c.sourceURL != "" {
			out[i] = c.sourceURL
			continue
		}
		if c.file != nil {
			out[i] = c.file.Name()
		}
	}
	return out
}

// SerializeReferenceImages returns the filled slots as cache records. Empty
// slots are skipped, so positions are not preserved.
func (m *Manager) SerializeReferenceImages() []CachedImage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CachedImage, 0, len(m.slots))
	for i, c := range m.slots {
		if c == nil || c.preview == "" {
			continue
		}
		name := c.name()
		if name == "" {
			name = "reference-" + strconv.Itoa(i+1) + ".png"
		}
		typ := c.typ()
		if typ == "" {
			typ = defaultMIME
		}
		out = append(out, CachedImage{
			Name:      name,
			Type:      typ,
			DataURL:   c.preview,
			SourceURL: c.sourceURL,
		})
	}
	return out
}

// Slots returns a snapshot of every slot.
func (m *Manager) Slots() []SlotView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SlotView, len(m.slots))
	for i := range m.slots {
		out[i] = m.view(i)
	}
	return out
}

// Len returns the current number of slots.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func withCacheBuster(raw string, now time.Time) string {
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "t=" + strconv.FormatInt(now.UnixMilli(), 10)
}

// fileNameFromURL returns the last path segment of raw without its query.
func fileNameFromURL(raw string) string {
	name := raw[strings.LastIndex(raw, "/")+1:]
	name, _, _ = strings.Cut(name, "?")
	return name
}
