package index

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/starford/flowboard/internal/models"
)

const upsertNodeSQL = `
	INSERT INTO nodes (id, parent_id, text, note, priority, layout_mode, created_at, modified_at, completed_at, cached_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
		parent_id    = excluded.parent_id,
		text         = excluded.text,
		note         = excluded.note,
		priority     = excluded.priority,
		layout_mode  = excluded.layout_mode,
		created_at   = excluded.created_at,
		modified_at  = excluded.modified_at,
		completed_at = excluded.completed_at,
		cached_at    = excluded.cached_at
`

// SaveAll replaces every stored node with nodes inside one transaction.
func (db *DB) SaveAll(nodes []models.Node) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	if _, err := tx.Exec(`DELETE FROM nodes`); err != nil {
		return fmt.Errorf("index: clear nodes: %w", err)
	}
	if len(nodes) > 0 {
		stmt, err := tx.Prepare(upsertNodeSQL)
		if err != nil {
			return fmt.Errorf("index: prepare node insert: %w", err)
		}
		defer stmt.Close()
		for _, n := range nodes {
			if _, err := stmt.Exec(nodeArgs(n)...); err != nil {
				return fmt.Errorf("index: insert node %s: %w", n.ID, err)
			}
		}
	}
	return tx.Commit()
}

// Save inserts or replaces a single node.
func (db *DB) Save(n models.Node) error {
	if _, err := db.conn.Exec(upsertNodeSQL, nodeArgs(n)...); err != nil {
		return fmt.Errorf("index: upsert node %s: %w", n.ID, err)
	}
	return nil
}

// Delete removes the given node ids.
func (db *DB) Delete(ids []string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM nodes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("index: delete node %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// LoadAll returns every stored node.
func (db *DB) LoadAll() ([]models.Node, error) {
	rows, err := db.conn.Query(`
		SELECT id, parent_id, text, note, priority, layout_mode, created_at, modified_at, completed_at
		FROM nodes
		ORDER BY parent_id, priority, id
	`)
	if err != nil {
		return nil, fmt.Errorf("index: load nodes: %w", err)
	}
	defer rows.Close()

	var out []models.Node
	for rows.Next() {
		var (
			n                 models.Node
			layout            string
			created, modified int64
			completed         sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.ParentID, &n.Text, &n.Note, &n.Priority, &layout, &created, &modified, &completed); err != nil {
			return nil, err
		}
		n.LayoutMode = models.ParseLayoutMode(layout)
		n.CreatedAt = fromNanos(created)
		n.ModifiedAt = fromNanos(modified)
		if completed.Valid {
			t := fromNanos(completed.Int64)
			n.CompletedAt = &t
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SaveFilter records a used filter string.
func (db *DB) SaveFilter(text string) (models.SavedFilter, error) {
	now := time.Now().UTC()
	res, err := db.conn.Exec(`INSERT INTO filter_history (filter_text, used_at) VALUES (?, ?)`, text, now.UnixNano())
	if err != nil {
		return models.SavedFilter{}, fmt.Errorf("index: save filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.SavedFilter{}, fmt.Errorf("index: save filter id: %w", err)
	}
	return models.SavedFilter{ID: id, Text: text, UsedAt: now}, nil
}

// RecentFilters returns the most recently used filters, newest first.
func (db *DB) RecentFilters(limit int) ([]models.SavedFilter, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.conn.Query(`
		SELECT id, filter_text, used_at
		FROM filter_history
		ORDER BY used_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("index: recent filters: %w", err)
	}
	defer rows.Close()

	var out []models.SavedFilter
	for rows.Next() {
		var (
			f    models.SavedFilter
			used int64
		)
		if err := rows.Scan(&f.ID, &f.Text, &used); err != nil {
			return nil, err
		}
		f.UsedAt = fromNanos(used)
		out = append(out, f)
	}
	return out, rows.Err()
}

// GetMeta returns the stored value for key, or empty string if unset.
func (db *DB) GetMeta(key string) (string, error) {
	var v string
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: get meta %s: %w", key, err)
	}
	return v, nil
}

// SetMeta stores value under key. An empty value deletes the key.
func (db *DB) SetMeta(key, value string) error {
	var err error
	if value == "" {
		_, err = db.conn.Exec(`DELETE FROM meta WHERE key = ?`, key)
	} else {
		_, err = db.conn.Exec(`
			INSERT INTO meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
	}
	if err != nil {
		return fmt.Errorf("index: set meta %s: %w", key, err)
	}
	return nil
}

func nodeArgs(n models.Node) []any {
	var completed any
	if n.CompletedAt != nil {
		completed = toNanos(*n.CompletedAt)
	}
	layout := n.LayoutMode
	if layout == "" {
		layout = models.LayoutBullets
	}
	return []any{
		n.ID, n.ParentID, n.Text, n.Note, n.Priority, string(layout),
		toNanos(n.CreatedAt), toNanos(n.ModifiedAt), completed,
	}
}

// Timestamps are stored as Unix nanoseconds so a reload reproduces them exactly.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
