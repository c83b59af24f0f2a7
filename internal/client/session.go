package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/refslots"
	"github.com/starford/imagestudio/internal/settings"
)

// ErrSlotsFull is returned when every reference slot is taken.
var ErrSlotsFull = errors.New("all reference slots are full")

// Session is the persisted generation form plus its reference slots.
// Every slot change is written back to the settings store.
type Session struct {
	client *Client
	store  settings.Store
	logger *slog.Logger
	form   settings.Settings
	refs   *refslots.Manager
}

// OpenSession restores the form and cached slots from store.
func OpenSession(c *Client, store settings.Store, logger *slog.Logger, opts ...refslots.Option) (*Session, error) {
	form, err := settings.Load(store, logger)
	if err != nil {
		return nil, err
	}
	s := &Session{client: c, store: store, logger: logger, form: form}

	base := []refslots.Option{
		refslots.WithFetcher(c),
		refslots.WithOrigin(c.Origin()),
		refslots.WithLogger(logger),
		refslots.WithOnChange(s.persist),
	}
	s.refs = refslots.New(append(base, opts...)...)
	s.refs.Initialize(form.ReferenceImages)
	return s, nil
}

func (s *Session) persist() {
	if err := settings.Persist(s.store, s.form, s.refs); err != nil {
		s.logger.Warn("session: persist settings failed", slog.String("error", err.Error()))
	}
}

// Form returns the current form values.
func (s *Session) Form() settings.Settings {
	return s.form
}

// Update applies fn to the form and saves it.
func (s *Session) Update(fn func(*settings.Settings)) error {
	fn(&s.form)
	return settings.Persist(s.store, s.form, s.refs)
}

// References returns the current slots.
func (s *Session) References() []refslots.SlotView {
	return s.refs.Slots()
}

// AddReference loads ref into the first empty slot. URLs and absolute
// server paths are imported from the server; anything else is read as a
// local file.
func (s *Session) AddReference(ctx context.Context, ref string) error {
	idx := -1
	for _, v := range s.refs.Slots() {
		if v.State == refslots.StateEmpty {
			idx = v.Index
			break
		}
	}
	if idx < 0 {
		return ErrSlotsFull
	}

	if strings.HasPrefix(ref, "http") || (strings.HasPrefix(ref, "/") && !fileExists(ref)) {
		s.refs.HandleSlotDropFromHistory(ctx, idx, ref)
	} else {
		f, err := refslots.OpenFile(ref)
		if err != nil {
			return err
		}
		s.refs.HandleSlotFile(idx, f, "")
	}

	if s.refs.Slots()[idx].State != refslots.StateFilled {
		return fmt.Errorf("could not load reference %s", ref)
	}
	return nil
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

// ClearReferences empties every slot.
func (s *Session) ClearReferences() {
	for i := s.refs.Len() - 1; i >= 0; i-- {
		s.refs.ClearSlot(i)
	}
}

// Generate submits the current form and references.
func (s *Session) Generate(ctx context.Context) (Result, error) {
	return s.client.Generate(ctx, Form{
		Prompt:      s.form.Prompt,
		AspectRatio: s.form.AspectRatio,
		Resolution:  s.form.Resolution,
		APIKey:      s.form.APIKey,
	}, s.refs)
}

// Recall restores the form and references from a gallery image's metadata.
func (s *Session) Recall(ctx context.Context, imageURL string) error {
	meta, err := s.client.Metadata(ctx, imageURL)
	if err != nil {
		return err
	}
	return s.apply(ctx, meta)
}

// RecallFile restores the form from a local PNG.
func (s *Session) RecallFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta := pngmeta.Decode(data, pngmeta.DefaultKey)
	if meta == nil {
		return ErrNoMetadata
	}
	return s.apply(ctx, meta)
}

func (s *Session) apply(ctx context.Context, meta any) error {
	form, paths, ok := settings.Recall(s.form, meta)
	if !ok {
		return ErrNoMetadata
	}
	s.form = form
	s.refs.SetReferenceImages(ctx, paths)
	return settings.Persist(s.store, s.form, s.refs)
}
