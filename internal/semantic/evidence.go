package semantic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

// LinkEvidence records that an experience supports or contradicts a cell and
// bumps the matching counter on the cell, touching updated_at. A repeated
// (cell, experience, relation) triple is ignored; linked reports whether a
// new row was written.
func (s *Store) LinkEvidence(ctx context.Context, cellID, experienceID int64, relation string, now time.Time) (bool, error) {
	if !model.ValidRelations[relation] {
		return false, model.Invalid(model.CodeInvalidRelation, "invalid relation %q (valid: supports, contradicts)", relation)
	}
	counter := "evidence_count"
	if relation == model.RelContradicts {
		counter = "contradiction_count"
	}

	ts := model.FormatTime(now)
	linked := false
	err := s.db.InTx(ctx, func(q store.Querier) error {
		c, err := New(q, s.log).GetCell(ctx, cellID)
		if err != nil {
			return err
		}
		if c == nil {
			return model.Invalid(model.CodeCellNotFound, "cell %d not found", cellID)
		}

		res, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO cell_evidence (cell_id, experience_id, relation, created_at) VALUES (?, ?, ?, ?)`,
			cellID, experienceID, relation, ts)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE cells SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE cell_id = ?`,
			ts, cellID); err != nil {
			return fmt.Errorf("bump %s: %w", counter, err)
		}
		linked = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if linked {
		s.log.Debug("evidence linked",
			zap.Int64("cell", cellID), zap.Int64("experience", experienceID), zap.String("relation", relation))
	}
	return linked, nil
}

// Evidence returns every evidence link of a cell in insertion order.
func (s *Store) Evidence(ctx context.Context, cellID int64) ([]model.Evidence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cell_id, experience_id, relation, created_at FROM cell_evidence
		 WHERE cell_id = ? ORDER BY id ASC`, cellID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var e model.Evidence
		var createdAt string
		if err := rows.Scan(&e.ID, &e.CellID, &e.ExperienceID, &e.Relation, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = model.ParseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
