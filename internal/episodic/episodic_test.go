package episodic

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, zaptest.NewLogger(t)), db
}

func TestRecordDefaults(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	exp, err := s.Record(ctx, RecordParams{
		Summary:     "  Ran the migration  ",
		ContextKeys: []string{"DB", " migrations", "db"},
		Trust:       1,
	}, t0.Add(123456*time.Nanosecond))
	require.NoError(t, err)
	assert.NotZero(t, exp.ID)
	assert.Equal(t, "Ran the migration", exp.Summary)
	assert.Equal(t, model.DefaultScope, exp.Scope)
	assert.Equal(t, model.DefaultOutcome, exp.Outcome)
	assert.Equal(t, model.SourceAgent, exp.Source)
	assert.Equal(t, []string{"db", "migrations"}, exp.ContextKeys)
	assert.Equal(t, 190, exp.Salience)
	assert.True(t, exp.CreatedAt.Equal(t0))

	got, err := s.Get(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, exp, got)

	missing, err := s.Get(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRecordExplicitSalience(t *testing.T) {
	s, _ := newTestStore(t)
	v := 777
	exp, err := s.Record(context.Background(), RecordParams{Summary: "x", Salience: &v}, t0)
	require.NoError(t, err)
	assert.Equal(t, 777, exp.Salience)
}

func TestRecordValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	neg, big := -1, 1001

	tests := []struct {
		name string
		p    RecordParams
		code string
	}{
		{"empty summary", RecordParams{Summary: "   "}, model.CodeMissingRequired},
		{"too long", RecordParams{Summary: strings.Repeat("é", model.MaxSummaryLen+1)}, model.CodePayloadTooLarge},
		{"trust high", RecordParams{Summary: "x", Trust: 4}, model.CodeInvalidTrust},
		{"trust low", RecordParams{Summary: "x", Trust: -1}, model.CodeInvalidTrust},
		{"salience low", RecordParams{Summary: "x", Salience: &neg}, model.CodeInvalidSalience},
		{"salience high", RecordParams{Summary: "x", Salience: &big}, model.CodeInvalidSalience},
		{"outcome", RecordParams{Summary: "x", Outcome: "maybe"}, model.CodeInvalidOutcome},
		{"source", RecordParams{Summary: "x", Source: "oracle"}, model.CodeInvalidSource},
		{"session", RecordParams{Summary: "x", SessionID: "nope"}, model.CodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Record(ctx, tt.p, t0)
			assert.True(t, model.IsValidation(err, tt.code), "got %v", err)
		})
	}

	exps, err := s.Export(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, exps)
}

func TestRecordMaxLengthAccepted(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Record(context.Background(), RecordParams{Summary: strings.Repeat("é", model.MaxSummaryLen)}, t0)
	assert.NoError(t, err)
}

func TestRecordWithSession(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	sess, err := session.NewRegistry(db, nil).Create(ctx, session.CreateParams{}, t0)
	require.NoError(t, err)

	_, err = s.Record(ctx, RecordParams{SessionID: sess.ID, Summary: "a"}, t0)
	require.NoError(t, err)
	_, err = s.Record(ctx, RecordParams{Summary: "b"}, t0)
	require.NoError(t, err)

	exps, err := s.Query(ctx, QueryParams{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "a", exps[0].Summary)
}

func TestQueryRankOrder(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	low, high := 100, 500

	record := func(summary string, trust int, salience *int, at time.Time) int64 {
		exp, err := s.Record(ctx, RecordParams{Scope: "proj", Summary: summary, Trust: trust, Salience: salience}, at)
		require.NoError(t, err)
		return exp.ID
	}
	a := record("a", 1, &low, t0)
	b := record("b", 1, &high, t0)
	c := record("c", 2, &low, t0)
	d := record("d", 1, &low, t0.Add(time.Minute))
	e := record("e", 1, &low, t0)
	_, err := s.Record(ctx, RecordParams{Scope: "other", Summary: "other", Trust: 3}, t0)
	require.NoError(t, err)

	exps, err := s.Query(ctx, QueryParams{Scope: "proj"})
	require.NoError(t, err)
	var ids []int64
	for _, x := range exps {
		ids = append(ids, x.ID)
	}
	assert.Equal(t, []int64{c, b, d, a, e}, ids)

	exps, err = s.Query(ctx, QueryParams{Scope: "proj", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, exps, 2)
}

func TestGetSinceIsStrict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, RecordParams{Scope: "proj", Summary: "x"}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	all, err := s.GetSince(ctx, "proj", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	after, err := s.GetSince(ctx, "proj", t0.Add(time.Second), time.Time{})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.True(t, after[0].CreatedAt.Equal(t0.Add(2*time.Second)))

	none, err := s.GetSince(ctx, "elsewhere", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetSinceStopsAtUntil(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Record(ctx, RecordParams{Scope: "proj", Summary: "x"}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	window, err := s.GetSince(ctx, "proj", t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.True(t, window[0].CreatedAt.Equal(t0.Add(time.Second)))

	upTo, err := s.GetSince(ctx, "proj", time.Time{}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, upTo, 2)
}
