package store

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
)

// Stats holds database statistics.
type Stats struct {
	DBPath        string       `json:"db_path"`
	DBSizeBytes   int64        `json:"db_size_bytes"`
	DBSizeHuman   string       `json:"db_size_human"`
	SchemaVersion int          `json:"schema_version"`
	Sessions      int          `json:"sessions"`
	Invocations   int          `json:"invocations"`
	Experiences   int          `json:"experiences"`
	Scenes        int          `json:"scenes"`
	Cells         int          `json:"cells"`
	ArchivedCells int          `json:"archived_cells"`
	Evidence      int          `json:"evidence"`
	Receipts      int          `json:"receipts"`
	Tokens        int          `json:"tokens"`
	Scopes        []ScopeStats `json:"scopes"`
}

// ScopeStats holds per-scope counts.
type ScopeStats struct {
	Scope       string `json:"scope"`
	Experiences int    `json:"experiences"`
	Cells       int    `json:"cells"`
}

// Stats returns database statistics.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	st.DBSizeHuman = humanize.Bytes(uint64(st.DBSizeBytes))

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	st.SchemaVersion = v

	counts := []struct {
		dst   *int
		query string
	}{
		{&st.Sessions, `SELECT COUNT(*) FROM sessions`},
		{&st.Invocations, `SELECT COUNT(*) FROM invocations`},
		{&st.Experiences, `SELECT COUNT(*) FROM episodic_experiences`},
		{&st.Scenes, `SELECT COUNT(*) FROM scenes`},
		{&st.Cells, `SELECT COUNT(*) FROM cells`},
		{&st.ArchivedCells, `SELECT COUNT(*) FROM cells WHERE state = 'archived'`},
		{&st.Evidence, `SELECT COUNT(*) FROM cell_evidence`},
		{&st.Receipts, `SELECT COUNT(*) FROM receipts`},
		{&st.Tokens, `SELECT COUNT(*) FROM memory_tokens`},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope, SUM(exp), SUM(cell) FROM (
			SELECT scope, 1 AS exp, 0 AS cell FROM episodic_experiences
			UNION ALL
			SELECT scope, 0, 1 FROM cells WHERE state != 'archived'
		) GROUP BY scope ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("stats scopes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc ScopeStats
		if err := rows.Scan(&sc.Scope, &sc.Experiences, &sc.Cells); err != nil {
			return nil, err
		}
		st.Scopes = append(st.Scopes, sc)
	}
	return st, rows.Err()
}
