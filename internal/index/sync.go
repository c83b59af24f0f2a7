package index

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/starford/imagestudio/internal/checksum"
	"github.com/starford/imagestudio/internal/models"
	"github.com/starford/imagestudio/internal/pngmeta"
	"github.com/starford/imagestudio/internal/storage"
)

// Sync scans the gallery and brings the index up to date:
//   - new/changed files are decoded and upserted
//   - files removed from disk are deleted from the index
func Sync(db *DB, store storage.Provider, logger *slog.Logger) error {
	metas, err := store.List()
	if err != nil {
		return err
	}

	checksums, err := db.AllChecksums()
	if err != nil {
		return err
	}

	disk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		disk[m.Name] = struct{}{}

		if checksums[m.Name] == m.Checksum {
			continue
		}

		data, err := store.Read(m.Name)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("name", m.Name), slog.String("error", err.Error()))
			continue
		}
		if err := IndexFile(db, m.Name, data, m.ModTime); err != nil {
			logger.Warn("sync: index failed", slog.String("name", m.Name), slog.String("error", err.Error()))
		} else {
			logger.Debug("sync: indexed", slog.String("name", m.Name))
		}
	}

	for name := range checksums {
		if _, ok := disk[name]; !ok {
			if err := db.DeleteImage(name); err != nil {
				logger.Warn("sync: delete failed", slog.String("name", name), slog.String("error", err.Error()))
			} else {
				logger.Debug("sync: removed stale", slog.String("name", name))
			}
		}
	}

	return nil
}

// IndexFile decodes the embedded generation metadata of data and upserts
// it. Images without metadata are still indexed, dated by modTime.
func IndexFile(db ImageIndex, name string, data []byte, modTime time.Time) error {
	row := ImageRow{
		Name:      name,
		Checksum:  checksum.Sum(data),
		CreatedAt: modTime,
	}

	if raw := pngmeta.Decode(data, pngmeta.DefaultKey); raw != nil {
		if b, err := json.Marshal(raw); err == nil {
			row.Metadata = string(b)
		}
		var meta models.GenerationMetadata
		if pngmeta.DecodeInto(data, pngmeta.DefaultKey, &meta) {
			row.Prompt = meta.Prompt
			row.AspectRatio = meta.AspectRatio
			row.Resolution = meta.Resolution
			if !meta.CreatedAt.IsZero() {
				row.CreatedAt = meta.CreatedAt
			}
		}
	}
	return db.UpsertImage(row)
}
