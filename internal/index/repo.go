package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/imagestudio/internal/apperr"
)

// ImageRow represents a row in the images table. Metadata holds the raw
// JSON embedded in the file, or "" when there was none.
type ImageRow struct {
	Name        string
	Checksum    string
	Prompt      string
	AspectRatio string
	Resolution  string
	Metadata    string
	CreatedAt   time.Time
}

// SearchResult represents one search hit.
type SearchResult struct {
	Name      string
	Prompt    string
	Snippet   string
	CreatedAt time.Time
}

// UpsertImage inserts or replaces an image row and its FTS entry within a
// transaction.
func (db *DB) UpsertImage(row ImageRow) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.Exec(`
		INSERT INTO images (name, checksum, prompt, aspect_ratio, resolution, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			checksum     = excluded.checksum,
			prompt       = excluded.prompt,
			aspect_ratio = excluded.aspect_ratio,
			resolution   = excluded.resolution,
			metadata     = excluded.metadata,
			created_at   = excluded.created_at
	`, row.Name, row.Checksum, row.Prompt, row.AspectRatio, row.Resolution, row.Metadata, row.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("index: upsert image: %w", err)
	}

	// No-op when the FTS5 tag is absent.
	if err := ftsUpsert(tx, row.Name, row.Prompt); err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteImage removes an image and its FTS entry.
func (db *DB) DeleteImage(name string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, name)
	if _, err := tx.Exec(`DELETE FROM images WHERE name = ?`, name); err != nil {
		return fmt.Errorf("index: delete image: %w", err)
	}

	return tx.Commit()
}

// GetChecksum returns the stored checksum for an image, or empty string if not found.
func (db *DB) GetChecksum(name string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM images WHERE name = ?`, name).Scan(&cs)
	if err != nil {
		return "", nil // not found is fine
	}
	return cs, nil
}

// GetImage returns one row or apperr.ErrNotFound.
func (db *DB) GetImage(name string) (*ImageRow, error) {
	var r ImageRow
	err := db.conn.QueryRow(`
		SELECT name, checksum, prompt, aspect_ratio, resolution, metadata, created_at
		FROM images WHERE name = ?
	`, name).Scan(&r.Name, &r.Checksum, &r.Prompt, &r.AspectRatio, &r.Resolution, &r.Metadata, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index: image %s: %w", name, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("index: get image: %w", err)
	}
	return &r, nil
}

// ListImages returns a page of images, newest first, plus the total count.
// A non-positive limit returns every row.
func (db *DB) ListImages(limit, offset int) ([]ImageRow, int, error) {
	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM images`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count images: %w", err)
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.conn.Query(`
		SELECT name, checksum, prompt, aspect_ratio, resolution, metadata, created_at
		FROM images
		ORDER BY created_at DESC, name
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list images: %w", err)
	}
	defer rows.Close()

	var out []ImageRow
	for rows.Next() {
		var r ImageRow
		if err := rows.Scan(&r.Name, &r.Checksum, &r.Prompt, &r.AspectRatio, &r.Resolution, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// AllChecksums returns name → checksum for every indexed image.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT name, checksum FROM images`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var name, cs string
		if err := rows.Scan(&name, &cs); err != nil {
			return nil, err
		}
		out[name] = cs
	}
	return out, rows.Err()
}
