package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SchemaVersion is bumped whenever a table definition changes. A mismatch
// with the stored version rebuilds the mirror from scratch.
const SchemaVersion = 4

// tables lists DDL in creation order. Every statement is valid for both
// SQLite and PostgreSQL. There are no foreign keys: other tables hold weak
// page_id references and the services cascade deletes themselves.
var tables = []struct {
	name string
	ddl  []string
}{
	{
		name: "pages",
		ddl: []string{
			`CREATE TABLE pages (
				id               TEXT PRIMARY KEY,
				title            TEXT NOT NULL,
				slug             TEXT NOT NULL,
				slug_lower       TEXT NOT NULL UNIQUE,
				parent_id        TEXT,
				section          TEXT NOT NULL DEFAULT '',
				order_index      INTEGER NOT NULL DEFAULT 0,
				status           TEXT NOT NULL DEFAULT 'published',
				content          TEXT NOT NULL DEFAULT '',
				word_count       INTEGER NOT NULL DEFAULT 0,
				size_kb          DOUBLE PRECISION NOT NULL DEFAULT 0,
				version          INTEGER NOT NULL DEFAULT 0,
				created_by       TEXT NOT NULL DEFAULT '',
				updated_by       TEXT NOT NULL DEFAULT '',
				source_path      TEXT UNIQUE,
				synced_mtime_ns  BIGINT NOT NULL DEFAULT 0,
				extra_frontmatter TEXT NOT NULL DEFAULT '',
				created_at       BIGINT NOT NULL,
				updated_at       BIGINT NOT NULL
			)`,
			`CREATE INDEX idx_pages_parent ON pages(parent_id, order_index)`,
			`CREATE INDEX idx_pages_section ON pages(section)`,
		},
	},
	{
		name: "slug_aliases",
		ddl: []string{
			`CREATE TABLE slug_aliases (
				slug_lower TEXT PRIMARY KEY,
				page_id    TEXT NOT NULL
			)`,
			`CREATE INDEX idx_slug_aliases_page ON slug_aliases(page_id)`,
		},
	},
	{
		name: "page_versions",
		ddl: []string{
			`CREATE TABLE page_versions (
				page_id          TEXT NOT NULL,
				version_number   INTEGER NOT NULL,
				title            TEXT NOT NULL,
				content_snapshot TEXT NOT NULL,
				additions        INTEGER NOT NULL DEFAULT 0,
				deletions        INTEGER NOT NULL DEFAULT 0,
				changed_by       TEXT NOT NULL DEFAULT '',
				change_summary   TEXT NOT NULL DEFAULT '',
				created_at       BIGINT NOT NULL,
				PRIMARY KEY (page_id, version_number)
			)`,
		},
	},
	{
		name: "page_links",
		ddl: []string{
			`CREATE TABLE page_links (
				source_page_id TEXT NOT NULL,
				target_key     TEXT NOT NULL,
				target_page_id TEXT,
				target_slug    TEXT NOT NULL DEFAULT '',
				target_text    TEXT NOT NULL DEFAULT '',
				kind           TEXT NOT NULL,
				anchor         TEXT NOT NULL DEFAULT '',
				link_text      TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (source_page_id, target_key)
			)`,
			`CREATE INDEX idx_page_links_target ON page_links(target_page_id)`,
			`CREATE INDEX idx_page_links_slug ON page_links(target_slug)`,
		},
	},
	{
		name: "search_index",
		ddl: []string{
			`CREATE TABLE search_index (
				page_id    TEXT NOT NULL,
				entry_type TEXT NOT NULL,
				token      TEXT NOT NULL,
				weight     INTEGER NOT NULL DEFAULT 1,
				PRIMARY KEY (page_id, entry_type, token)
			)`,
			`CREATE INDEX idx_search_token ON search_index(token, entry_type)`,
		},
	},
	{
		name: "orphaned_pages",
		ddl: []string{
			`CREATE TABLE orphaned_pages (
				page_id              TEXT PRIMARY KEY,
				original_parent_id   TEXT,
				original_parent_slug TEXT NOT NULL DEFAULT '',
				orphaned_at          BIGINT NOT NULL
			)`,
		},
	},
}

const metaKeySchemaVersion = "schema_version"

// ensureSchema creates the schema on first use and rebuilds it when the
// stored version differs. Returns true when tables were (re)created.
func ensureSchema(ctx context.Context, q Querier) (bool, error) {
	_, err := q.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
	if err != nil {
		return false, fmt.Errorf("create schema_meta: %w", err)
	}

	var stored string

	err = q.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ?`, metaKeySchemaVersion).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("read schema version: %w", err)
	}

	if stored == strconv.Itoa(SchemaVersion) {
		return false, nil
	}

	err = recreateTables(ctx, q)
	if err != nil {
		return false, err
	}

	_, err = q.ExecContext(ctx, `INSERT INTO schema_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		metaKeySchemaVersion, strconv.Itoa(SchemaVersion))
	if err != nil {
		return false, fmt.Errorf("write schema version: %w", err)
	}

	return true, nil
}

func recreateTables(ctx context.Context, q Querier) error {
	for i := len(tables) - 1; i >= 0; i-- {
		_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+tables[i].name)
		if err != nil {
			return fmt.Errorf("drop %s: %w", tables[i].name, err)
		}
	}

	for _, table := range tables {
		for _, stmt := range table.ddl {
			_, err := q.ExecContext(ctx, stmt)
			if err != nil {
				return fmt.Errorf("create %s: %w", table.name, err)
			}
		}
	}

	return nil
}

// Reset drops and recreates every table. Used by forced rebuilds.
func (db *DB) Reset(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		return recreateTables(ctx, tx)
	})
}
