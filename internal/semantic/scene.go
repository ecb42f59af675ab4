// Package semantic holds consolidated knowledge: scenes that group cells by
// overlapping context keys, the cells themselves, and the evidence links
// tying each cell back to the experiences that support or contradict it.
package semantic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

// Store reads and writes scenes, cells and evidence.
type Store struct {
	db  store.Querier
	log *zap.Logger
}

// New returns a Store over db.
func New(db store.Querier, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// CreateSceneParams holds parameters for creating a scene.
// An empty Label is derived from the keys.
type CreateSceneParams struct {
	Scope       string
	Label       string
	ContextKeys []string
}

// DefaultSceneLabel is used for scenes without context keys.
const DefaultSceneLabel = "general"

// SceneLabel joins the first three canonical keys.
func SceneLabel(keys []string) string {
	keys = model.CanonicalKeys(keys)
	if len(keys) == 0 {
		return DefaultSceneLabel
	}
	return strings.Join(keys[:min(3, len(keys))], ", ")
}

const sceneColumns = `SELECT scene_id, scope, label, context_keys_json, created_at, updated_at FROM scenes`

// CreateScene inserts a scene.
func (s *Store) CreateScene(ctx context.Context, p CreateSceneParams, now time.Time) (*model.Scene, error) {
	scope := strings.TrimSpace(p.Scope)
	if scope == "" {
		scope = model.DefaultScope
	}
	keys := model.CanonicalKeys(p.ContextKeys)
	label := strings.TrimSpace(p.Label)
	if label == "" {
		label = SceneLabel(keys)
	}

	now = model.Truncate(now)
	ts := model.FormatTime(now)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scenes (scope, label, context_keys_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		scope, label, canonical.MustEncode(keys), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert scene: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	s.log.Debug("scene created", zap.Int64("id", id), zap.String("scope", scope), zap.Strings("keys", keys))
	return &model.Scene{
		ID:          id,
		Scope:       scope,
		Label:       label,
		ContextKeys: keys,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetScene returns the scene or nil when it does not exist.
func (s *Store) GetScene(ctx context.Context, id int64) (*model.Scene, error) {
	sc, err := scanScene(s.db.QueryRowContext(ctx, sceneColumns+` WHERE scene_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scene: %w", err)
	}
	return sc, nil
}

// ListScenes returns the scope's scenes in id order.
func (s *Store) ListScenes(ctx context.Context, scope string) ([]model.Scene, error) {
	rows, err := s.db.QueryContext(ctx, sceneColumns+` WHERE scope = ? ORDER BY scene_id ASC`, scope)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var out []model.Scene
	for rows.Next() {
		sc, err := scanScene(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// FindScene returns the first scene in scope (by id) whose keys overlap
// keys by at least model.OverlapThreshold, or nil.
func (s *Store) FindScene(ctx context.Context, scope string, keys []string) (*model.Scene, error) {
	scenes, err := s.ListScenes(ctx, scope)
	if err != nil {
		return nil, err
	}
	keys = model.CanonicalKeys(keys)
	for _, sc := range scenes {
		if model.Overlap(sc.ContextKeys, keys) >= model.OverlapThreshold {
			return &sc, nil
		}
	}
	return nil, nil
}

// MatchingScenes returns the ids of every scope scene overlapping keys by at
// least model.OverlapThreshold.
func (s *Store) MatchingScenes(ctx context.Context, scope string, keys []string) ([]int64, error) {
	scenes, err := s.ListScenes(ctx, scope)
	if err != nil {
		return nil, err
	}
	keys = model.CanonicalKeys(keys)
	var ids []int64
	for _, sc := range scenes {
		if model.Overlap(sc.ContextKeys, keys) >= model.OverlapThreshold {
			ids = append(ids, sc.ID)
		}
	}
	return ids, nil
}

// MergeSceneKeys unions keys into the scene's key set and touches updated_at.
func (s *Store) MergeSceneKeys(ctx context.Context, id int64, keys []string, now time.Time) (*model.Scene, error) {
	var out *model.Scene
	err := s.db.InTx(ctx, func(q store.Querier) error {
		sc, err := New(q, s.log).GetScene(ctx, id)
		if err != nil {
			return err
		}
		if sc == nil {
			return model.Invalid(model.CodeSceneNotFound, "scene %d not found", id)
		}
		sc.ContextKeys = model.UnionKeys(sc.ContextKeys, keys)
		sc.UpdatedAt = model.Truncate(now)
		if _, err := q.ExecContext(ctx,
			`UPDATE scenes SET context_keys_json = ?, updated_at = ? WHERE scene_id = ?`,
			canonical.MustEncode(sc.ContextKeys), model.FormatTime(sc.UpdatedAt), id); err != nil {
			return fmt.Errorf("update scene keys: %w", err)
		}
		out = sc
		return nil
	})
	return out, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScene(row scanner) (*model.Scene, error) {
	var sc model.Scene
	var keysJSON, createdAt, updatedAt string
	if err := row.Scan(&sc.ID, &sc.Scope, &sc.Label, &keysJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sc.CreatedAt, _ = model.ParseTime(createdAt)
	sc.UpdatedAt, _ = model.ParseTime(updatedAt)
	if err := json.Unmarshal([]byte(keysJSON), &sc.ContextKeys); err != nil {
		return nil, fmt.Errorf("decode scene keys: %w", err)
	}
	if sc.ContextKeys == nil {
		sc.ContextKeys = []string{}
	}
	return &sc, nil
}
