// Package store persists a Registry's discovery snapshot to disk so a
// restarted proxy does not need to re-scrape every source before it can
// serve channels it already knew about.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tibellium/vidcdm/internal/channels"
)

const schema = `
CREATE TABLE IF NOT EXISTS channel_entries (
	source TEXT NOT NULL,
	id TEXT NOT NULL,
	entry_json TEXT NOT NULL,
	PRIMARY KEY (source, id)
);
CREATE TABLE IF NOT EXISTS source_meta (
	source TEXT PRIMARY KEY,
	discovery_expires_at INTEGER
);
`

// Store is a SQLite-backed snapshot of channel discovery state.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("channels/store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("channels/store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// SaveSource persists every entry of a freshly registered source, replacing
// whatever snapshot existed for it.
func (s *Store) SaveSource(ctx context.Context, source string, entries []channels.ChannelEntry, discoveryExpiresAt *int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("channels/store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_entries WHERE source = ?`, source); err != nil {
		return fmt.Errorf("channels/store: clear source: %w", err)
	}
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("channels/store: marshal entry %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_entries (source, id, entry_json) VALUES (?, ?, ?)`,
			source, e.ID.ID, string(raw),
		); err != nil {
			return fmt.Errorf("channels/store: insert entry %s: %w", e.ID, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO source_meta (source, discovery_expires_at) VALUES (?, ?)
		 ON CONFLICT(source) DO UPDATE SET discovery_expires_at = excluded.discovery_expires_at`,
		source, discoveryExpiresAt,
	); err != nil {
		return fmt.Errorf("channels/store: upsert source meta: %w", err)
	}
	return tx.Commit()
}

// LoadSource returns every persisted entry for source and its recorded
// discovery expiry, or (nil, nil, nil) if no snapshot exists.
func (s *Store) LoadSource(ctx context.Context, source string) ([]channels.ChannelEntry, *int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_json FROM channel_entries WHERE source = ?`, source)
	if err != nil {
		return nil, nil, fmt.Errorf("channels/store: query entries: %w", err)
	}
	defer rows.Close()

	var entries []channels.ChannelEntry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, nil, fmt.Errorf("channels/store: scan entry: %w", err)
		}
		var e channels.ChannelEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, nil, fmt.Errorf("channels/store: unmarshal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var expiresAt sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT discovery_expires_at FROM source_meta WHERE source = ?`, source)
	switch err := row.Scan(&expiresAt); {
	case err == sql.ErrNoRows:
		return entries, nil, nil
	case err != nil:
		return nil, nil, fmt.Errorf("channels/store: query source meta: %w", err)
	}
	if !expiresAt.Valid {
		return entries, nil, nil
	}
	v := expiresAt.Int64
	return entries, &v, nil
}

// Sources returns every source name with a persisted snapshot.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source FROM source_meta`)
	if err != nil {
		return nil, fmt.Errorf("channels/store: query sources: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		out = append(out, source)
	}
	return out, rows.Err()
}

// Restore loads every persisted source snapshot into reg.
func (s *Store) Restore(ctx context.Context, reg *channels.Registry) error {
	sources, err := s.Sources(ctx)
	if err != nil {
		return err
	}
	for _, source := range sources {
		entries, expiresAt, err := s.LoadSource(ctx, source)
		if err != nil {
			return fmt.Errorf("channels/store: restore %s: %w", source, err)
		}
		reg.RegisterSource(source, entries, expiresAt)
	}
	return nil
}
