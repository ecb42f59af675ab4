// Package consolidate turns new episodic experiences into semantic cells.
//
// A run reads the scope's watermark, groups the experiences created after it
// and no later than now by context-key overlap, resolves each group to a
// scene, extracts typed candidates sentence by sentence, merges them into
// cells as evidence, flags contradictions, advances cell lifecycle states,
// enforces caps and finally moves the watermark to now. The whole run is one
// transaction, so a crashed run leaves nothing half-applied and a repeated
// run with no new experiences does nothing.
package consolidate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/semantic"
	"github.com/rcliao/memory-engine/internal/sentence"
	"github.com/rcliao/memory-engine/internal/store"
)

// Options configures an Engine. Zero caps and a nil DecayArchiveSalience
// take the defaults. A DecayArchiveSalience of 0 archives only decaying
// cells whose salience has reached 0.
type Options struct {
	SceneCellCap         int
	ScopeCellCap         int
	DecayArchiveSalience *int
	Matchers             []Matcher
}

// Defaults.
const (
	DefaultSceneCellCap         = 100
	DefaultScopeCellCap         = 500
	DefaultDecayArchiveSalience = 20
)

// Result counts what one run did.
type Result struct {
	Scope                string `json:"scope"`
	ExperiencesProcessed int    `json:"experiences_processed"`
	ScenesCreated        int    `json:"scenes_created"`
	ScenesUpdated        int    `json:"scenes_updated"`
	CellsCreated         int    `json:"cells_created"`
	CellsUpdated         int    `json:"cells_updated"`
	Contradictions       int    `json:"contradictions"`
	Transitions          int    `json:"transitions"`
	Archived             int    `json:"archived"`
	Watermark            string `json:"watermark,omitempty"`
}

// Engine runs consolidation over a store.
type Engine struct {
	db   store.Querier
	opts Options
	log  *zap.Logger
}

// New returns an Engine over db.
func New(db store.Querier, opts Options, log *zap.Logger) *Engine {
	if opts.SceneCellCap <= 0 {
		opts.SceneCellCap = DefaultSceneCellCap
	}
	if opts.ScopeCellCap <= 0 {
		opts.ScopeCellCap = DefaultScopeCellCap
	}
	if opts.DecayArchiveSalience == nil {
		threshold := DefaultDecayArchiveSalience
		opts.DecayArchiveSalience = &threshold
	}
	if len(opts.Matchers) == 0 {
		opts.Matchers = DefaultMatchers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{db: db, opts: opts, log: log}
}

// group is a set of experiences with overlapping context keys.
type group struct {
	keys []string
	exps []model.Experience
}

// groupExperiences merges each experience into the first group it overlaps
// by at least model.OverlapThreshold, growing that group's keys, or starts
// a new group.
func groupExperiences(exps []model.Experience) []*group {
	var groups []*group
	for _, e := range exps {
		var target *group
		for _, g := range groups {
			if model.Overlap(g.keys, e.ContextKeys) >= model.OverlapThreshold {
				target = g
				break
			}
		}
		if target == nil {
			target = &group{keys: []string{}}
			groups = append(groups, target)
		}
		target.keys = model.UnionKeys(target.keys, e.ContextKeys)
		target.exps = append(target.exps, e)
	}
	return groups
}

// Run consolidates every experience in scope created after the watermark and
// at or before now. Experiences dated after now wait for a later run.
// With no new experiences it returns zero counters and leaves the watermark
// alone.
func (e *Engine) Run(ctx context.Context, scope string, now time.Time) (*Result, error) {
	if scope == "" {
		scope = model.DefaultScope
	}
	now = model.Truncate(now)
	res := &Result{Scope: scope}

	err := e.db.InTx(ctx, func(q store.Querier) error {
		watermark, _, err := readWatermark(ctx, q, scope)
		if err != nil {
			return err
		}
		exps, err := episodic.New(q, e.log).GetSince(ctx, scope, watermark, now)
		if err != nil {
			return err
		}
		if len(exps) == 0 {
			if !watermark.IsZero() {
				res.Watermark = model.FormatTime(watermark)
			}
			return nil
		}
		res.ExperiencesProcessed = len(exps)

		r := &run{q: q, sem: semantic.New(q, e.log), opts: e.opts, log: e.log, scope: scope, now: now,
			res: res, touched: map[int64]bool{}, created: map[int64]bool{}}
		for _, g := range groupExperiences(exps) {
			if err := r.processGroup(ctx, g); err != nil {
				return err
			}
		}
		if err := r.applyTransitions(ctx); err != nil {
			return err
		}
		archived, err := enforceCaps(ctx, r.sem, e.opts, scope, now, e.log)
		if err != nil {
			return err
		}
		res.Archived = archived

		if err := writeWatermark(ctx, q, scope, now); err != nil {
			return err
		}
		res.Watermark = model.FormatTime(now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.ExperiencesProcessed > 0 {
		e.log.Info("consolidation complete",
			zap.String("scope", scope),
			zap.Int("experiences", res.ExperiencesProcessed),
			zap.Int("cells_created", res.CellsCreated),
			zap.Int("cells_updated", res.CellsUpdated),
			zap.Int("contradictions", res.Contradictions),
			zap.Int("archived", res.Archived))
	}
	return res, nil
}

// run carries the state of one consolidation pass.
type run struct {
	q     store.Querier
	sem   *semantic.Store
	opts  Options
	log   *zap.Logger
	scope string
	now   time.Time
	res   *Result

	touched map[int64]bool // cells whose counters changed
	created map[int64]bool // cells created in this run
}

func (r *run) processGroup(ctx context.Context, g *group) error {
	scene, err := r.sem.FindScene(ctx, r.scope, g.keys)
	if err != nil {
		return err
	}
	if scene == nil {
		scene, err = r.sem.CreateScene(ctx, semantic.CreateSceneParams{Scope: r.scope, ContextKeys: g.keys}, r.now)
		if err != nil {
			return err
		}
		r.res.ScenesCreated++
	} else {
		if scene, err = r.sem.MergeSceneKeys(ctx, scene.ID, g.keys, r.now); err != nil {
			return err
		}
		r.res.ScenesUpdated++
	}

	for _, exp := range g.exps {
		for _, s := range sentence.Candidates(exp.Summary) {
			cellType, ok := classify(r.opts.Matchers, s, exp)
			if !ok {
				continue
			}
			if err := r.mergeCandidate(ctx, scene, cellType, s, exp); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeCandidate links exp to the cell the candidate resolves to, creating
// it when new, then checks the rest of the scene for contradictions.
func (r *run) mergeCandidate(ctx context.Context, scene *model.Scene, cellType, text string, exp model.Experience) error {
	existing, err := r.sem.FindByCanonicalKey(ctx, semantic.CanonicalKey(scene.ID, cellType, text))
	if err != nil {
		return err
	}

	var cell *model.Cell
	switch {
	case existing != nil && existing.State == model.StateArchived:
		// Archived knowledge is not revived by new evidence.
		return nil
	case existing != nil:
		cell = existing
	default:
		trust := 1
		if cellType == model.CellPreference && exp.Source == model.SourceUser {
			trust = 2
		}
		cell, _, err = r.sem.CreateCell(ctx, semantic.CreateCellParams{
			SceneID: scene.ID,
			Type:    cellType,
			Title:   text,
			Body:    text,
			Trust:   trust,
			State:   model.StateObserved,
		}, r.now)
		if err != nil {
			return err
		}
		r.created[cell.ID] = true
		r.res.CellsCreated++
	}

	linked, err := r.sem.LinkEvidence(ctx, cell.ID, exp.ID, model.RelSupports, r.now)
	if err != nil {
		return err
	}
	if linked {
		r.touch(cell.ID)
	}

	return r.detectContradictions(ctx, cell, exp)
}

// detectContradictions links exp as contradicting evidence to every other
// live cell of the same scene and type whose statement it negates.
func (r *run) detectContradictions(ctx context.Context, cell *model.Cell, exp model.Experience) error {
	others, err := r.sem.ListCells(ctx, semantic.ListCellsParams{Scope: r.scope, SceneID: cell.SceneID})
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID == cell.ID || other.Type != cell.Type {
			continue
		}
		if !contradicts(other.Title, other.Body, cell.Title, cell.Body) {
			continue
		}
		linked, err := r.sem.LinkEvidence(ctx, other.ID, exp.ID, model.RelContradicts, r.now)
		if err != nil {
			return err
		}
		if linked {
			r.touch(other.ID)
			r.res.Contradictions++
			r.log.Debug("contradiction found",
				zap.Int64("cell", other.ID), zap.Int64("against", cell.ID), zap.Int64("experience", exp.ID))
		}
	}
	return nil
}

func (r *run) touch(id int64) {
	if !r.touched[id] && !r.created[id] {
		r.res.CellsUpdated++
	}
	r.touched[id] = true
}

// nextState applies the lifecycle rules to one cell.
func nextState(c model.Cell) string {
	if c.ContradictionCount >= 2 && c.State != model.StateArchived && c.State != model.StateDecaying {
		return model.StateDecaying
	}
	switch c.State {
	case model.StateUnverified:
		if c.EvidenceCount >= 1 {
			return model.StateObserved
		}
	case model.StateObserved:
		if c.EvidenceCount >= 2 && c.ContradictionCount == 0 {
			return model.StateReinforced
		}
	case model.StateReinforced:
		if c.EvidenceCount >= 3 {
			return model.StateStable
		}
	}
	return c.State
}

// applyTransitions advances every live cell in scope and recomputes the
// salience of each cell that changed state or gained evidence.
func (r *run) applyTransitions(ctx context.Context) error {
	cells, err := r.sem.ListCells(ctx, semantic.ListCellsParams{Scope: r.scope})
	if err != nil {
		return err
	}
	for _, c := range cells {
		state := nextState(c)
		changed := state != c.State
		if changed {
			r.res.Transitions++
			if !r.created[c.ID] && !r.touched[c.ID] {
				r.res.CellsUpdated++
				r.touched[c.ID] = true
			}
		}
		if !changed && !r.touched[c.ID] {
			continue
		}
		if err := r.sem.UpdateDerived(ctx, c.ID, state, semantic.Recompute(c, state, r.now)); err != nil {
			return err
		}
	}
	return nil
}

// Status returns the scope's watermark; ok is false before the first run.
func (e *Engine) Status(ctx context.Context, scope string) (time.Time, bool, error) {
	return readWatermark(ctx, e.db, scope)
}

func readWatermark(ctx context.Context, q store.Querier, scope string) (time.Time, bool, error) {
	var ts string
	err := q.QueryRowContext(ctx,
		`SELECT last_consolidation_ts FROM consolidation_meta WHERE scope = ?`, scope).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read watermark: %w", err)
	}
	t, err := model.ParseTime(ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", ts, err)
	}
	return t, true, nil
}

func writeWatermark(ctx context.Context, q store.Querier, scope string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO consolidation_meta (scope, last_consolidation_ts) VALUES (?, ?)
		 ON CONFLICT(scope) DO UPDATE SET last_consolidation_ts = excluded.last_consolidation_ts`,
		scope, model.FormatTime(now))
	if err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}
