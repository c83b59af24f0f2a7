package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/starford/imagestudio/internal/refslots"
)

// Key is the store key the settings record lives under.
const Key = "gemini-image-app-settings"

// Settings is the persisted generation form.
type Settings struct {
	APIKey          string                 `json:"apiKey"`
	AspectRatio     string                 `json:"aspectRatio"`
	Resolution      string                 `json:"resolution"`
	Prompt          string                 `json:"prompt"`
	ReferenceImages []refslots.CachedImage `json:"referenceImages"`
}

// Load reads the settings record. A missing or corrupt record yields the
// zero value; corruption is logged, not returned.
func Load(store Store, logger *slog.Logger) (Settings, error) {
	var s Settings
	raw, ok, err := store.Get(Key)
	if err != nil {
		return s, err
	}
	if !ok || raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		if logger != nil {
			logger.Warn("settings: ignoring corrupt record", slog.String("error", err.Error()))
		}
		return Settings{}, nil
	}
	return s, nil
}

// Save writes s under Key.
func Save(store Store, s Settings) error {
	if s.ReferenceImages == nil {
		s.ReferenceImages = []refslots.CachedImage{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	return store.Set(Key, string(b))
}

// Persist saves the form fields of s together with the manager's current
// slots.
func Persist(store Store, s Settings, m *refslots.Manager) error {
	if m != nil {
		s.ReferenceImages = m.SerializeReferenceImages()
	}
	return Save(store, s)
}
