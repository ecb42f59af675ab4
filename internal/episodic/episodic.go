// Package episodic stores raw, trust- and salience-scored observations.
// Experiences are immutable once recorded; consolidation only reads them.
package episodic

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

// RecordParams holds parameters for recording an experience.
// A nil Salience is derived from Trust.
type RecordParams struct {
	SessionID   string
	Scope       string
	ContextKeys []string
	Summary     string
	Outcome     string
	Trust       int
	Salience    *int
	Source      string
}

// QueryParams holds filters for Query. Empty fields do not filter.
type QueryParams struct {
	Scope     string
	SessionID string
	Limit     int
}

// Store records and reads episodic experiences.
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

const selectColumns = `SELECT experience_id, session_id, scope, context_keys_json, summary,
	outcome, trust, salience, created_at, source FROM episodic_experiences`

// Record validates and persists an experience.
func (s *Store) Record(ctx context.Context, p RecordParams, now time.Time) (*model.Experience, error) {
	exp, err := prepare(p, now)
	if err != nil {
		return nil, err
	}

	err = s.db.InTx(ctx, func(q store.Querier) error {
		if exp.SessionID != "" {
			ok, err := session.NewRegistry(q, s.log).Exists(ctx, exp.SessionID)
			if err != nil {
				return err
			}
			if !ok {
				return model.Invalid(model.CodeSessionNotFound, "session %s not found", exp.SessionID)
			}
		}
		return insert(ctx, q, exp)
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("experience recorded",
		zap.Int64("id", exp.ID), zap.String("scope", exp.Scope),
		zap.Int("trust", exp.Trust), zap.Int("salience", exp.Salience))
	return exp, nil
}

// prepare applies defaults and validation, returning the row to insert.
func prepare(p RecordParams, now time.Time) (*model.Experience, error) {
	summary := strings.TrimSpace(p.Summary)
	if summary == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "summary is required")
	}
	if n := utf8.RuneCountInString(summary); n > model.MaxSummaryLen {
		return nil, model.Invalid(model.CodePayloadTooLarge, "summary is %d chars, max %d", n, model.MaxSummaryLen)
	}
	if p.Trust < model.MinTrust || p.Trust > model.MaxTrust {
		return nil, model.Invalid(model.CodeInvalidTrust, "trust must be in [0,3], got %d", p.Trust)
	}

	outcome := p.Outcome
	if outcome == "" {
		outcome = model.DefaultOutcome
	}
	if !model.ValidOutcomes[outcome] {
		return nil, model.Invalid(model.CodeInvalidOutcome, "invalid outcome %q", p.Outcome)
	}
	source := p.Source
	if source == "" {
		source = model.SourceAgent
	}
	if !model.ValidSources[source] {
		return nil, model.Invalid(model.CodeInvalidSource, "invalid source %q", p.Source)
	}
	scope := strings.TrimSpace(p.Scope)
	if scope == "" {
		scope = model.DefaultScope
	}

	now = model.Truncate(now)
	var salience int
	if p.Salience != nil {
		if *p.Salience < model.MinSalience || *p.Salience > model.MaxSalience {
			return nil, model.Invalid(model.CodeInvalidSalience, "salience must be in [0,1000], got %d", *p.Salience)
		}
		salience = *p.Salience
	} else {
		salience = model.Salience(model.SalienceInput{
			State:     model.StateForTrust(p.Trust),
			Trust:     p.Trust,
			UpdatedAt: now,
		}, now)
	}

	return &model.Experience{
		SessionID:   p.SessionID,
		Scope:       scope,
		ContextKeys: model.CanonicalKeys(p.ContextKeys),
		Summary:     summary,
		Outcome:     outcome,
		Trust:       p.Trust,
		Salience:    model.ClampSalience(salience),
		CreatedAt:   now,
		Source:      source,
	}, nil
}

func insert(ctx context.Context, q store.Querier, exp *model.Experience) error {
	var sessionArg any
	if exp.SessionID != "" {
		sessionArg = exp.SessionID
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO episodic_experiences
		 (session_id, scope, context_keys_json, summary, outcome, trust, salience, created_at, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionArg, exp.Scope, canonical.MustEncode(exp.ContextKeys), exp.Summary, exp.Outcome,
		exp.Trust, exp.Salience, model.FormatTime(exp.CreatedAt), exp.Source)
	if err != nil {
		return fmt.Errorf("insert experience: %w", err)
	}
	exp.ID, err = res.LastInsertId()
	return err
}

// Get returns the experience or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*model.Experience, error) {
	exp, err := scanExperience(s.db.QueryRowContext(ctx, selectColumns+` WHERE experience_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get experience: %w", err)
	}
	return exp, nil
}

// Query returns experiences in rank order (trust desc, salience desc,
// created_at desc, id asc).
func (s *Store) Query(ctx context.Context, p QueryParams) ([]model.Experience, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	var where []string
	var args []any
	if p.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, p.Scope)
	}
	if p.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, p.SessionID)
	}
	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	exps, err := s.list(ctx, query+" ORDER BY experience_id ASC", args...)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(exps, func(a, b model.Experience) int { return model.CompareRank(a.Rank(), b.Rank()) })
	if len(exps) > limit {
		exps = exps[:limit]
	}
	return exps, nil
}

// GetSince returns every experience in scope created strictly after since
// and no later than until, in ascending id order. A zero since starts at the
// beginning of the scope and a zero until leaves the window open.
func (s *Store) GetSince(ctx context.Context, scope string, since, until time.Time) ([]model.Experience, error) {
	watermark := ""
	if !since.IsZero() {
		watermark = model.FormatTime(since)
	}
	if until.IsZero() {
		return s.list(ctx, selectColumns+` WHERE scope = ? AND created_at > ? ORDER BY experience_id ASC`,
			scope, watermark)
	}
	return s.list(ctx, selectColumns+` WHERE scope = ? AND created_at > ? AND created_at <= ? ORDER BY experience_id ASC`,
		scope, watermark, model.FormatTime(until))
}

// Export returns every experience, optionally filtered by scope, in id order.
func (s *Store) Export(ctx context.Context, scope string) ([]model.Experience, error) {
	if scope == "" {
		return s.list(ctx, selectColumns+` ORDER BY experience_id ASC`)
	}
	return s.list(ctx, selectColumns+` WHERE scope = ? ORDER BY experience_id ASC`, scope)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]model.Experience, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query experiences: %w", err)
	}
	defer rows.Close()

	var out []model.Experience
	for rows.Next() {
		exp, err := scanExperience(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExperience(row scanner) (*model.Experience, error) {
	var e model.Experience
	var sessionID sql.NullString
	var keysJSON, createdAt string
	if err := row.Scan(&e.ID, &sessionID, &e.Scope, &keysJSON, &e.Summary,
		&e.Outcome, &e.Trust, &e.Salience, &createdAt, &e.Source); err != nil {
		return nil, err
	}
	e.SessionID = sessionID.String
	e.CreatedAt, _ = model.ParseTime(createdAt)
	if err := json.Unmarshal([]byte(keysJSON), &e.ContextKeys); err != nil {
		return nil, fmt.Errorf("decode context keys: %w", err)
	}
	if e.ContextKeys == nil {
		e.ContextKeys = []string{}
	}
	return &e, nil
}
