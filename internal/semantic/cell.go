package semantic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

// CanonicalKey identifies a cell by scene, type and normalized title.
// Two cells with the same key are the same knowledge.
func CanonicalKey(sceneID int64, cellType, title string) string {
	return canonical.Hash(map[string]any{
		"scene_id":  sceneID,
		"cell_type": cellType,
		"title":     model.NormalizeTitle(title),
	})
}

// CreateCellParams holds parameters for creating a cell. Body defaults to
// Title, State defaults to observed.
type CreateCellParams struct {
	SceneID int64
	Type    string
	Title   string
	Body    string
	Trust   int
	State   string
}

// ListCellsParams filters ListCells. A zero SceneID lists the whole scope.
type ListCellsParams struct {
	Scope           string
	SceneID         int64
	IncludeArchived bool
}

const cellColumns = `SELECT cell_id, scene_id, scope, cell_type, title, body, trust, salience, state,
	evidence_count, contradiction_count, canonical_key, created_at, updated_at FROM cells`

// CreateCell inserts a cell into a scene. When a cell with the same
// canonical key exists, it is returned unchanged with created=false.
func (s *Store) CreateCell(ctx context.Context, p CreateCellParams, now time.Time) (*model.Cell, bool, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, false, model.Invalid(model.CodeMissingRequired, "title is required")
	}
	if !model.ValidCellTypes[p.Type] {
		return nil, false, model.Invalid(model.CodeInvalidCellType, "invalid cell type %q", p.Type)
	}
	if p.Trust < model.MinTrust || p.Trust > model.MaxTrust {
		return nil, false, model.Invalid(model.CodeInvalidTrust, "trust must be in [0,3], got %d", p.Trust)
	}
	state := p.State
	if state == "" {
		state = model.StateObserved
	}
	if !model.ValidStates[state] {
		return nil, false, model.Invalid(model.CodeInvalidState, "invalid state %q", p.State)
	}
	body := strings.TrimSpace(p.Body)
	if body == "" {
		body = title
	}

	var cell *model.Cell
	created := false
	err := s.db.InTx(ctx, func(q store.Querier) error {
		tx := New(q, s.log)
		scene, err := tx.GetScene(ctx, p.SceneID)
		if err != nil {
			return err
		}
		if scene == nil {
			return model.Invalid(model.CodeSceneNotFound, "scene %d not found", p.SceneID)
		}

		key := CanonicalKey(scene.ID, p.Type, title)
		existing, err := tx.FindByCanonicalKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			cell = existing
			return nil
		}

		now = model.Truncate(now)
		c := &model.Cell{
			SceneID:      scene.ID,
			Scope:        scene.Scope,
			Type:         p.Type,
			Title:        title,
			Body:         body,
			Trust:        p.Trust,
			State:        state,
			CanonicalKey: key,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if state != model.StateArchived {
			c.Salience = model.Salience(salienceInput(c), now)
		}
		ts := model.FormatTime(now)
		res, err := q.ExecContext(ctx,
			`INSERT INTO cells (scene_id, scope, cell_type, title, body, trust, salience, state,
			 evidence_count, contradiction_count, canonical_key, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
			c.SceneID, c.Scope, c.Type, c.Title, c.Body, c.Trust, c.Salience, c.State,
			c.CanonicalKey, ts, ts)
		if err != nil {
			return fmt.Errorf("insert cell: %w", err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		cell, created = c, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.log.Debug("cell created", zap.Int64("id", cell.ID), zap.Int64("scene", cell.SceneID),
			zap.String("type", cell.Type), zap.Int("salience", cell.Salience))
	}
	return cell, created, nil
}

func salienceInput(c *model.Cell) model.SalienceInput {
	return model.SalienceInput{
		State:              c.State,
		EvidenceCount:      c.EvidenceCount,
		ContradictionCount: c.ContradictionCount,
		Trust:              c.Trust,
		UpdatedAt:          c.UpdatedAt,
	}
}

// Recompute returns the cell's salience for state at now. Archived cells
// always score zero.
func Recompute(c model.Cell, state string, now time.Time) int {
	if state == model.StateArchived {
		return 0
	}
	c.State = state
	return model.Salience(salienceInput(&c), now)
}

// GetCell returns the cell or nil when it does not exist.
func (s *Store) GetCell(ctx context.Context, id int64) (*model.Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx, cellColumns+` WHERE cell_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cell: %w", err)
	}
	return c, nil
}

// FindByCanonicalKey returns the cell with key or nil.
func (s *Store) FindByCanonicalKey(ctx context.Context, key string) (*model.Cell, error) {
	c, err := scanCell(s.db.QueryRowContext(ctx, cellColumns+` WHERE canonical_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find cell: %w", err)
	}
	return c, nil
}

// ListCells returns cells in id order.
func (s *Store) ListCells(ctx context.Context, p ListCellsParams) ([]model.Cell, error) {
	where := []string{"scope = ?"}
	args := []any{p.Scope}
	if p.SceneID != 0 {
		where = append(where, "scene_id = ?")
		args = append(args, p.SceneID)
	}
	if !p.IncludeArchived {
		where = append(where, "state != ?")
		args = append(args, model.StateArchived)
	}
	return s.listCells(ctx, cellColumns+` WHERE `+strings.Join(where, " AND ")+` ORDER BY cell_id ASC`, args...)
}

func (s *Store) listCells(ctx context.Context, query string, args ...any) ([]model.Cell, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	var out []model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ContextQuery holds parameters for QueryForContext.
type ContextQuery struct {
	Scope       string
	ContextKeys []string
	Limit       int
}

// ContextResult is the ranked cell list for a context query. Scenes lists
// the scene ids the keys matched; Fallback is set when keys were given but
// matched no scene and the whole scope was used.
type ContextResult struct {
	Cells    []model.Cell `json:"cells"`
	Scenes   []int64      `json:"scenes,omitempty"`
	Fallback bool         `json:"fallback"`
}

// QueryForContext returns non-archived cells in rank order (trust desc,
// salience desc, updated_at desc, id asc). Given keys restrict the search
// to overlapping scenes, falling back to the whole scope if none overlap.
func (s *Store) QueryForContext(ctx context.Context, p ContextQuery) (*ContextResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	scope := p.Scope
	if scope == "" {
		scope = model.DefaultScope
	}

	res := &ContextResult{}
	keys := model.CanonicalKeys(p.ContextKeys)
	if len(keys) > 0 {
		ids, err := s.MatchingScenes(ctx, scope, keys)
		if err != nil {
			return nil, err
		}
		res.Scenes = ids
		res.Fallback = len(ids) == 0
	}

	cells, err := s.ListCells(ctx, ListCellsParams{Scope: scope})
	if err != nil {
		return nil, err
	}
	if len(res.Scenes) > 0 {
		cells = slices.DeleteFunc(cells, func(c model.Cell) bool {
			return !slices.Contains(res.Scenes, c.SceneID)
		})
	}
	slices.SortFunc(cells, func(a, b model.Cell) int { return model.CompareRank(a.Rank(), b.Rank()) })
	if len(cells) > limit {
		cells = cells[:limit]
	}
	res.Cells = cells
	if res.Cells == nil {
		res.Cells = []model.Cell{}
	}
	return res, nil
}

// Archive moves a cell to the terminal archived state with zero salience.
// Archiving an archived cell is a no-op.
func (s *Store) Archive(ctx context.Context, id int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE cells SET state = ?, salience = 0, updated_at = ? WHERE cell_id = ? AND state != ?`,
		model.StateArchived, model.FormatTime(now), id, model.StateArchived)
	if err != nil {
		return fmt.Errorf("archive cell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		c, err := s.GetCell(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return model.Invalid(model.CodeCellNotFound, "cell %d not found", id)
		}
	}
	s.log.Debug("cell archived", zap.Int64("id", id))
	return nil
}

// SetTrust is an explicit trust edit. Salience is recomputed unless the
// cell is archived, which stays archived.
func (s *Store) SetTrust(ctx context.Context, id int64, trust int, now time.Time) (*model.Cell, error) {
	if trust < model.MinTrust || trust > model.MaxTrust {
		return nil, model.Invalid(model.CodeInvalidTrust, "trust must be in [0,3], got %d", trust)
	}
	var out *model.Cell
	err := s.db.InTx(ctx, func(q store.Querier) error {
		c, err := New(q, s.log).GetCell(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return model.Invalid(model.CodeCellNotFound, "cell %d not found", id)
		}
		c.Trust = trust
		c.UpdatedAt = model.Truncate(now)
		c.Salience = Recompute(*c, c.State, now)
		if _, err := q.ExecContext(ctx,
			`UPDATE cells SET trust = ?, salience = ?, updated_at = ? WHERE cell_id = ?`,
			c.Trust, c.Salience, model.FormatTime(c.UpdatedAt), id); err != nil {
			return fmt.Errorf("set trust: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

// UpdateDerived writes consolidation-derived state and salience. It does
// not touch updated_at, so recency keeps tracking the last evidence.
func (s *Store) UpdateDerived(ctx context.Context, id int64, state string, salience int) error {
	if !model.ValidStates[state] {
		return model.Invalid(model.CodeInvalidState, "invalid state %q", state)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE cells SET state = ?, salience = ? WHERE cell_id = ?`,
		state, model.ClampSalience(salience), id)
	if err != nil {
		return fmt.Errorf("update cell: %w", err)
	}
	return nil
}

func scanCell(row scanner) (*model.Cell, error) {
	var c model.Cell
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.SceneID, &c.Scope, &c.Type, &c.Title, &c.Body, &c.Trust, &c.Salience,
		&c.State, &c.EvidenceCount, &c.ContradictionCount, &c.CanonicalKey, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = model.ParseTime(createdAt)
	c.UpdatedAt, _ = model.ParseTime(updatedAt)
	return &c, nil
}
