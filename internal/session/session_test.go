package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, zaptest.NewLogger(t))
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	sess, err := r.Create(ctx, CreateParams{ScopeMode: "global", Flags: map[string]any{"strict": true}}, t0)
	require.NoError(t, err)
	assert.Len(t, sess.ID, 26)
	assert.Equal(t, "global", sess.ScopeMode)

	got, err := r.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.Equal(t, true, got.Flags["strict"])
	assert.Empty(t, got.LastPhase)
	assert.Empty(t, got.LastContextHash)
}

func TestCreateDefaultsToProject(t *testing.T) {
	r := newTestRegistry(t)
	sess, err := r.Create(context.Background(), CreateParams{}, t0)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeProject, sess.ScopeMode)
	assert.NotNil(t, sess.Flags)
}

func TestCreateInvalidScopeMode(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(context.Background(), CreateParams{ScopeMode: "team"}, t0)
	assert.True(t, model.IsValidation(err, model.CodeInvalidScopeMode))
}

func TestGetMissingIsNil(t *testing.T) {
	r := newTestRegistry(t)
	got, err := r.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPartialUpdate(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	sess, err := r.Create(ctx, CreateParams{}, t0)
	require.NoError(t, err)

	phase := "plan"
	got, err := r.Update(ctx, sess.ID, UpdateParams{LastPhase: &phase})
	require.NoError(t, err)
	assert.Equal(t, "plan", got.LastPhase)
	assert.Empty(t, got.LastContextHash)

	hash := "abc"
	got, err = r.Update(ctx, sess.ID, UpdateParams{LastContextHash: &hash})
	require.NoError(t, err)
	assert.Equal(t, "plan", got.LastPhase, "phase must survive a hash-only update")
	assert.Equal(t, "abc", got.LastContextHash)
}

func TestUpdateMissingSession(t *testing.T) {
	phase := "x"
	r := newTestRegistry(t)
	_, err := r.Update(context.Background(), "nope", UpdateParams{LastPhase: &phase})
	assert.True(t, model.IsValidation(err, model.CodeSessionNotFound))
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	a, _ := r.Create(ctx, CreateParams{}, t0)
	b, _ := r.Create(ctx, CreateParams{}, t0.Add(time.Minute))

	list, err := r.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)

	ok, err := r.Exists(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
