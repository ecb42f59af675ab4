package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/canonical"
)

// Schema versions:
// v1: core tables (sessions, ledger, episodic, semantic, governance)
// v2: indices for the ranked and watermark query paths
// v3: receipts.public_meta_json
const CurrentSchemaVersion = 3

type columnMigration struct {
	Table  string
	Column string
	Def    string
}

type migration struct {
	Version int
	Name    string
	Stmts   []string
	Columns []columnMigration
}

func (m migration) checksum() string {
	var b strings.Builder
	b.WriteString(m.Name)
	for _, s := range m.Stmts {
		b.WriteString("\n")
		b.WriteString(strings.Join(strings.Fields(s), " "))
	}
	for _, c := range m.Columns {
		fmt.Fprintf(&b, "\n%s.%s %s", c.Table, c.Column, c.Def)
	}
	return canonical.HashText(b.String())
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "core tables",
		Stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id        TEXT PRIMARY KEY,
				created_at        TEXT NOT NULL,
				scope_mode        TEXT NOT NULL,
				flags_json        TEXT NOT NULL DEFAULT '{}',
				last_phase        TEXT,
				last_context_hash TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS invocations (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL REFERENCES sessions(session_id),
				ts          TEXT NOT NULL,
				tool_name   TEXT NOT NULL,
				input_hash  TEXT NOT NULL,
				output_hash TEXT NOT NULL,
				meta_json   TEXT NOT NULL DEFAULT '{}',
				prev_hash   TEXT,
				hash        TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS episodic_experiences (
				experience_id     INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id        TEXT REFERENCES sessions(session_id),
				scope             TEXT NOT NULL,
				context_keys_json TEXT NOT NULL DEFAULT '[]',
				summary           TEXT NOT NULL,
				outcome           TEXT NOT NULL DEFAULT 'unknown',
				trust             INTEGER NOT NULL CHECK (trust BETWEEN 0 AND 3),
				salience          INTEGER NOT NULL CHECK (salience BETWEEN 0 AND 1000),
				created_at        TEXT NOT NULL,
				source            TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS scenes (
				scene_id          INTEGER PRIMARY KEY AUTOINCREMENT,
				scope             TEXT NOT NULL,
				label             TEXT NOT NULL,
				context_keys_json TEXT NOT NULL DEFAULT '[]',
				created_at        TEXT NOT NULL,
				updated_at        TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cells (
				cell_id             INTEGER PRIMARY KEY AUTOINCREMENT,
				scene_id            INTEGER NOT NULL REFERENCES scenes(scene_id),
				scope               TEXT NOT NULL,
				cell_type           TEXT NOT NULL,
				title               TEXT NOT NULL,
				body                TEXT NOT NULL,
				trust               INTEGER NOT NULL CHECK (trust BETWEEN 0 AND 3),
				salience            INTEGER NOT NULL CHECK (salience BETWEEN 0 AND 1000),
				state               TEXT NOT NULL,
				evidence_count      INTEGER NOT NULL DEFAULT 0,
				contradiction_count INTEGER NOT NULL DEFAULT 0,
				canonical_key       TEXT NOT NULL UNIQUE,
				created_at          TEXT NOT NULL,
				updated_at          TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS cell_evidence (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				cell_id       INTEGER NOT NULL REFERENCES cells(cell_id),
				experience_id INTEGER NOT NULL REFERENCES episodic_experiences(experience_id),
				relation      TEXT NOT NULL,
				created_at    TEXT NOT NULL,
				UNIQUE (cell_id, experience_id, relation)
			)`,
			`CREATE TABLE IF NOT EXISTS consolidation_meta (
				scope                 TEXT PRIMARY KEY,
				last_consolidation_ts TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS receipts (
				id           TEXT PRIMARY KEY,
				session_id   TEXT NOT NULL REFERENCES sessions(session_id),
				ts           TEXT NOT NULL,
				type         TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				payload_hash TEXT NOT NULL,
				signature    TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS memory_tokens (
				id               TEXT PRIMARY KEY,
				session_id       TEXT NOT NULL REFERENCES sessions(session_id),
				ts               TEXT NOT NULL,
				type             TEXT NOT NULL,
				payload_json     TEXT NOT NULL,
				payload_hash     TEXT NOT NULL,
				signature        TEXT NOT NULL,
				permissions_json TEXT NOT NULL DEFAULT '[]',
				issued_at        TEXT NOT NULL,
				expires_at       TEXT NOT NULL
			)`,
		},
	},
	{
		Version: 2,
		Name:    "query indices",
		Stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_invocations_session ON invocations(session_id, id)`,
			`CREATE INDEX IF NOT EXISTS idx_experiences_scope_created ON episodic_experiences(scope, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_experiences_session ON episodic_experiences(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_scenes_scope ON scenes(scope, scene_id)`,
			`CREATE INDEX IF NOT EXISTS idx_cells_scene_state ON cells(scene_id, state)`,
			`CREATE INDEX IF NOT EXISTS idx_cells_scope_state ON cells(scope, state)`,
			`CREATE INDEX IF NOT EXISTS idx_evidence_cell ON cell_evidence(cell_id)`,
			`CREATE INDEX IF NOT EXISTS idx_receipts_session ON receipts(session_id, ts)`,
			`CREATE INDEX IF NOT EXISTS idx_tokens_session ON memory_tokens(session_id, ts)`,
		},
	},
	{
		Version: 3,
		Name:    "receipt public metadata",
		Columns: []columnMigration{
			{"receipts", "public_meta_json", "TEXT NOT NULL DEFAULT '{}'"},
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, CurrentSchemaVersion)
	}

	applied := 0
	for _, m := range migrations {
		var existing string
		err := s.db.QueryRowContext(ctx,
			`SELECT checksum FROM schema_migrations WHERE version = ?`, m.Version).Scan(&existing)
		switch {
		case err == nil:
			if existing != m.checksum() {
				return fmt.Errorf("schema checksum mismatch for version %d", m.Version)
			}
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read migration %d: %w", m.Version, err)
		}

		err = s.InTx(ctx, func(q Querier) error {
			for _, stmt := range m.Stmts {
				if _, err := q.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.Version, err)
				}
			}
			for _, c := range m.Columns {
				exists, err := columnExists(ctx, q, c.Table, c.Column)
				if err != nil {
					return err
				}
				if exists {
					continue
				}
				if _, err := q.ExecContext(ctx,
					fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.Table, c.Column, c.Def)); err != nil {
					return fmt.Errorf("migration %d: add %s.%s: %w", m.Version, c.Table, c.Column, err)
				}
			}
			_, err := q.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, m.checksum(), time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return err
		}
		applied++
		s.log.Info("migration applied", zap.Int("version", m.Version), zap.String("name", m.Name))
	}

	if applied > 0 {
		s.log.Info("schema migrations complete", zap.Int("applied", applied), zap.Int("version", CurrentSchemaVersion))
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// columnExists checks for a column using PRAGMA table_info.
func columnExists(ctx context.Context, q Querier, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			found = true
		}
	}
	return found, rows.Err()
}
