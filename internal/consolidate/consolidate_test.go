package consolidate

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/semantic"
	"github.com/rcliao/memory-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const scope = "proj"

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, Options{}, zaptest.NewLogger(t)), db
}

func remember(t *testing.T, db store.Querier, at time.Time, p episodic.RecordParams) *model.Experience {
	t.Helper()
	if p.Scope == "" {
		p.Scope = scope
	}
	exp, err := episodic.New(db, nil).Record(context.Background(), p, at)
	require.NoError(t, err)
	return exp
}

func liveCells(t *testing.T, db store.Querier) []model.Cell {
	t.Helper()
	cells, err := semantic.New(db, nil).ListCells(context.Background(), semantic.ListCellsParams{Scope: scope})
	require.NoError(t, err)
	return cells
}

func TestRuleExtraction(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	remember(t, db, t0, episodic.RecordParams{
		Summary: "Always validate input before processing.",
		Source:  model.SourceSystem,
		Trust:   1,
	})

	res, err := e.Run(ctx, scope, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExperiencesProcessed)
	assert.Equal(t, 1, res.ScenesCreated)
	assert.Equal(t, 1, res.CellsCreated)

	cells := liveCells(t, db)
	require.Len(t, cells, 1)
	assert.Equal(t, model.CellRule, cells[0].Type)
	assert.Equal(t, "Always validate input before processing.", cells[0].Title)
	assert.Equal(t, 1, cells[0].EvidenceCount)
	assert.Equal(t, 1, cells[0].Trust)
	assert.Equal(t, model.StateObserved, cells[0].State)
	// observed 50 + one evidence 60 + recency 5*20 + trust 1*40
	assert.Equal(t, 250, cells[0].Salience)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	remember(t, db, t0, episodic.RecordParams{Summary: "The build is green.", Trust: 1})

	now := t0.Add(time.Minute)
	first, err := e.Run(ctx, scope, now)
	require.NoError(t, err)
	require.Equal(t, 1, first.ExperiencesProcessed)

	second, err := e.Run(ctx, scope, now)
	require.NoError(t, err)
	assert.Equal(t, 0, second.ExperiencesProcessed)
	assert.Equal(t, 0, second.CellsCreated)
	assert.Equal(t, 0, second.CellsUpdated)

	ts, ok, err := e.Status(ctx, scope)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ts.Equal(now))

	cells := liveCells(t, db)
	require.Len(t, cells, 1)
	assert.Equal(t, 1, cells[0].EvidenceCount)
}

func TestEmptyScopeLeavesNoWatermark(t *testing.T) {
	e, _ := newTestEngine(t)
	res, err := e.Run(context.Background(), scope, t0)
	require.NoError(t, err)
	assert.Zero(t, res.ExperiencesProcessed)

	_, ok, err := e.Status(context.Background(), scope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFutureExperienceWaitsForLaterRun(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	remember(t, db, t0.Add(time.Hour), episodic.RecordParams{Summary: "Always pin the toolchain version.", Source: model.SourceSystem, Trust: 1})

	for i := 0; i < 2; i++ {
		res, err := e.Run(ctx, scope, t0)
		require.NoError(t, err)
		assert.Zero(t, res.ExperiencesProcessed)
		assert.Empty(t, liveCells(t, db))
	}

	res, err := e.Run(ctx, scope, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExperiencesProcessed)
	require.Len(t, liveCells(t, db), 1)
	assert.Equal(t, 1, liveCells(t, db)[0].EvidenceCount)

	res, err = e.Run(ctx, scope, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, res.ExperiencesProcessed)
	assert.Equal(t, 1, liveCells(t, db)[0].EvidenceCount)
}

func TestContradictionIsAttributedToEarlierCell(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	keys := []string{"api", "timeout"}
	remember(t, db, t0, episodic.RecordParams{Summary: "The API timeout is 30 seconds.", ContextKeys: keys, Trust: 1})
	later := remember(t, db, t0.Add(time.Second), episodic.RecordParams{
		Summary: "The API timeout is not 30 seconds.", ContextKeys: []string{"timeout", "api", "http"}, Trust: 1,
	})

	res, err := e.Run(ctx, scope, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Contradictions, 1)
	assert.Equal(t, 1, res.ScenesCreated)
	assert.Equal(t, 2, res.CellsCreated)

	cells := liveCells(t, db)
	require.Len(t, cells, 2)
	earlier, negated := cells[0], cells[1]
	assert.Equal(t, model.CellFact, earlier.Type)
	assert.Equal(t, 1, earlier.ContradictionCount)
	assert.Equal(t, 0, negated.ContradictionCount)
	assert.Equal(t, earlier.SceneID, negated.SceneID)

	ev, err := semantic.New(db, nil).Evidence(ctx, earlier.ID)
	require.NoError(t, err)
	require.Len(t, ev, 2)
	assert.Equal(t, model.RelContradicts, ev[1].Relation)
	assert.Equal(t, later.ID, ev[1].ExperienceID)
}

func TestRepeatedEvidenceReinforces(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	for i := 0; i < 2; i++ {
		remember(t, db, t0.Add(time.Duration(i)*time.Second), episodic.RecordParams{
			Summary: "The cache is warm.", ContextKeys: []string{"cache"}, Trust: 1,
		})
	}

	res, err := e.Run(ctx, scope, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.CellsCreated)
	assert.Equal(t, 1, res.Transitions)

	cells := liveCells(t, db)
	require.Len(t, cells, 1)
	assert.Equal(t, 2, cells[0].EvidenceCount)
	assert.Equal(t, model.StateReinforced, cells[0].State)
	// reinforced 100 + two evidence 120 + recency 100 + trust 40
	assert.Equal(t, 360, cells[0].Salience)
}

func TestRepeatedContradictionDecaysAndArchives(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	keys := []string{"cache"}
	remember(t, db, t0, episodic.RecordParams{Summary: "The cache is enabled.", ContextKeys: keys, Trust: 1})
	_, err := e.Run(ctx, scope, t0.Add(time.Minute))
	require.NoError(t, err)

	remember(t, db, t0.Add(2*time.Minute), episodic.RecordParams{Summary: "The cache is not enabled.", ContextKeys: keys, Trust: 1})
	remember(t, db, t0.Add(3*time.Minute), episodic.RecordParams{Summary: "The cache is not enabled today.", ContextKeys: keys, Trust: 1})

	res, err := e.Run(ctx, scope, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Contradictions)
	assert.Equal(t, 0, res.ScenesCreated)
	assert.Equal(t, 1, res.ScenesUpdated)
	assert.Equal(t, 1, res.Archived)

	all, err := semantic.New(db, nil).ListCells(ctx, semantic.ListCellsParams{Scope: scope, IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "The cache is enabled.", all[0].Title)
	assert.Equal(t, 2, all[0].ContradictionCount)
	assert.Equal(t, model.StateArchived, all[0].State)
	assert.Equal(t, 0, all[0].Salience)
}

func TestPreferenceAndPolicyCells(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	remember(t, db, t0, episodic.RecordParams{
		Summary: "I prefer tabs over spaces.", ContextKeys: []string{"style"}, Source: model.SourceUser, Trust: 1,
	})
	remember(t, db, t0, episodic.RecordParams{
		Summary: "Deploys wait for a second approver.", ContextKeys: []string{"deploy-policy"}, Trust: 1,
	})
	remember(t, db, t0, episodic.RecordParams{
		Summary: "Ran the tests. Ok.", ContextKeys: []string{"misc"}, Trust: 1,
	})

	res, err := e.Run(ctx, scope, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ScenesCreated)
	assert.Equal(t, 2, res.CellsCreated)

	cells := liveCells(t, db)
	require.Len(t, cells, 2)
	assert.Equal(t, model.CellPreference, cells[0].Type)
	assert.Equal(t, 2, cells[0].Trust)
	assert.Equal(t, model.CellPolicy, cells[1].Type)
	assert.Equal(t, 1, cells[1].Trust)
}

func TestEnforceCapsArchivesLowestSalience(t *testing.T) {
	ctx := context.Background()
	e, db := newTestEngine(t)
	sem := semantic.New(db, nil)
	sc, err := sem.CreateScene(ctx, semantic.CreateSceneParams{Scope: scope, ContextKeys: []string{"bulk"}}, t0)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < DefaultSceneCellCap+1; i++ {
		c, _, err := sem.CreateCell(ctx, semantic.CreateCellParams{
			SceneID: sc.ID, Type: model.CellFact, Title: fmt.Sprintf("Cell %d is here.", i), Trust: 1,
		}, t0)
		require.NoError(t, err)
		// Cells 0 and 1 tie on salience 0; the lower id goes first.
		require.NoError(t, sem.UpdateDerived(ctx, c.ID, model.StateObserved, max(i-1, 0)))
		ids = append(ids, c.ID)
	}

	archived, err := e.EnforceCaps(ctx, scope, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	first, err := sem.GetCell(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateArchived, first.State)
	second, err := sem.GetCell(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.StateObserved, second.State)
	assert.Len(t, liveCells(t, db), DefaultSceneCellCap)

	archived, err = e.EnforceCaps(ctx, scope, t0)
	require.NoError(t, err)
	assert.Zero(t, archived)
}

func TestEnforceCapsScopeLimit(t *testing.T) {
	ctx := context.Background()
	_, db := newTestEngine(t)
	e := New(db, Options{SceneCellCap: 10, ScopeCellCap: 3}, zaptest.NewLogger(t))
	sem := semantic.New(db, nil)

	for s := 0; s < 2; s++ {
		sc, err := sem.CreateScene(ctx, semantic.CreateSceneParams{Scope: scope, ContextKeys: []string{fmt.Sprint("k", s)}}, t0)
		require.NoError(t, err)
		for i := 0; i < 2; i++ {
			_, _, err := sem.CreateCell(ctx, semantic.CreateCellParams{
				SceneID: sc.ID, Type: model.CellFact, Title: fmt.Sprintf("Fact %d in %d is true.", i, s), Trust: s,
			}, t0)
			require.NoError(t, err)
		}
	}

	archived, err := e.EnforceCaps(ctx, scope, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	cells := liveCells(t, db)
	require.Len(t, cells, 3)
	assert.NotEqual(t, "Fact 0 in 0 is true.", cells[0].Title, "lowest salience, lowest id evicted")
}

func TestDecayArchiveThresholdZero(t *testing.T) {
	ctx := context.Background()
	_, db := newTestEngine(t)
	sem := semantic.New(db, nil)
	sc, err := sem.CreateScene(ctx, semantic.CreateSceneParams{Scope: scope, ContextKeys: []string{"decay"}}, t0)
	require.NoError(t, err)

	var ids []int64
	for i, salience := range []int{0, 10} {
		c, _, err := sem.CreateCell(ctx, semantic.CreateCellParams{
			SceneID: sc.ID, Type: model.CellFact, Title: fmt.Sprintf("Decaying fact %d.", i), Trust: 1,
		}, t0)
		require.NoError(t, err)
		require.NoError(t, sem.UpdateDerived(ctx, c.ID, model.StateDecaying, salience))
		ids = append(ids, c.ID)
	}

	zero := 0
	archived, err := New(db, Options{DecayArchiveSalience: &zero}, zaptest.NewLogger(t)).EnforceCaps(ctx, scope, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	first, err := sem.GetCell(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.StateArchived, first.State)
	second, err := sem.GetCell(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, model.StateDecaying, second.State)

	// Unset falls back to the default threshold, which covers salience 10.
	archived, err = New(db, Options{}, zaptest.NewLogger(t)).EnforceCaps(ctx, scope, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
	assert.Empty(t, liveCells(t, db))
}

func TestGroupExperiences(t *testing.T) {
	exps := []model.Experience{
		{ID: 1, ContextKeys: []string{"a", "b"}},
		{ID: 2, ContextKeys: []string{"x"}},
		{ID: 3, ContextKeys: []string{"a", "b", "c"}},
		{ID: 4, ContextKeys: []string{"c", "d"}},
		{ID: 5, ContextKeys: []string{}},
	}
	groups := groupExperiences(exps)
	require.Len(t, groups, 4)
	assert.Equal(t, []string{"a", "b", "c"}, groups[0].keys)
	assert.Len(t, groups[0].exps, 2)
	assert.Equal(t, []string{"x"}, groups[1].keys)
	// {c,d} overlaps {a,b,c} by 1/3 only.
	assert.Equal(t, int64(4), groups[2].exps[0].ID)
	assert.Len(t, groups[2].exps, 1)
	// An empty key set overlaps no non-empty group.
	assert.Empty(t, groups[3].keys)
	assert.Equal(t, int64(5), groups[3].exps[0].ID)
}
