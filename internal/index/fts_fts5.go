//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS images_fts USING fts5(
			name UNINDEXED,
			prompt,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, name, prompt string) error {
	_, _ = tx.Exec(`DELETE FROM images_fts WHERE name = ?`, name)
	_, err := tx.Exec(`INSERT INTO images_fts (name, prompt) VALUES (?, ?)`, name, prompt)
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, name string) {
	_, _ = tx.Exec(`DELETE FROM images_fts WHERE name = ?`, name)
}

// Search performs an FTS5 prompt search and returns matching results with snippets.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT f.name,
		       i.prompt,
		       snippet(images_fts, 1, '<b>', '</b>', '...', 32),
		       i.created_at
		FROM images_fts f
		JOIN images i ON i.name = f.name
		WHERE images_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Name, &r.Prompt, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
