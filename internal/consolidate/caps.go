package consolidate

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/semantic"
	"github.com/rcliao/memory-engine/internal/store"
)

// EnforceCaps archives cells in scope until every scene holds at most
// SceneCellCap live cells and the scope at most ScopeCellCap, then archives
// decaying cells at or below DecayArchiveSalience. Evictions take the lowest
// salience first, lowest id on ties.
func (e *Engine) EnforceCaps(ctx context.Context, scope string, now time.Time) (int, error) {
	if scope == "" {
		scope = model.DefaultScope
	}
	var archived int
	err := e.db.InTx(ctx, func(q store.Querier) error {
		var err error
		archived, err = enforceCaps(ctx, semantic.New(q, e.log), e.opts, scope, model.Truncate(now), e.log)
		return err
	})
	return archived, err
}

func enforceCaps(ctx context.Context, sem *semantic.Store, opts Options, scope string, now time.Time, log *zap.Logger) (int, error) {
	cells, err := sem.ListCells(ctx, semantic.ListCellsParams{Scope: scope})
	if err != nil {
		return 0, err
	}

	live := make(map[int64]model.Cell, len(cells))
	var sceneOrder []int64
	byScene := map[int64][]model.Cell{}
	for _, c := range cells {
		live[c.ID] = c
		if _, ok := byScene[c.SceneID]; !ok {
			sceneOrder = append(sceneOrder, c.SceneID)
		}
		byScene[c.SceneID] = append(byScene[c.SceneID], c)
	}

	var victims []int64
	evict := func(pool []model.Cell, limit int) {
		if len(pool) <= limit {
			return
		}
		pool = slices.Clone(pool)
		slices.SortFunc(pool, model.CompareEviction)
		for _, c := range pool[:len(pool)-limit] {
			victims = append(victims, c.ID)
			delete(live, c.ID)
		}
	}

	for _, sceneID := range sceneOrder {
		evict(byScene[sceneID], opts.SceneCellCap)
	}

	remaining := make([]model.Cell, 0, len(live))
	for _, c := range cells {
		if _, ok := live[c.ID]; ok {
			remaining = append(remaining, c)
		}
	}
	evict(remaining, opts.ScopeCellCap)

	for _, c := range cells {
		if _, ok := live[c.ID]; ok && c.State == model.StateDecaying && c.Salience <= *opts.DecayArchiveSalience {
			victims = append(victims, c.ID)
			delete(live, c.ID)
		}
	}

	for _, id := range victims {
		if err := sem.Archive(ctx, id, now); err != nil {
			return 0, err
		}
	}
	if len(victims) > 0 {
		log.Info("cells archived by caps", zap.String("scope", scope), zap.Int("archived", len(victims)))
	}
	return len(victims), nil
}
