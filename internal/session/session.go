// Package session implements the session registry: creation, lookup and
// partial updates. Sessions are an append-only audit trail and are never
// deleted.
package session

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

// CreateParams holds parameters for creating a session.
type CreateParams struct {
	ScopeMode string
	Flags     map[string]any
}

// UpdateParams holds a partial session update. Nil fields are left alone.
type UpdateParams struct {
	LastPhase       *string
	LastContextHash *string
}

// Registry creates and looks up sessions.
type Registry struct {
	db  store.Querier
	log *zap.Logger
}

// NewRegistry returns a Registry over db.
func NewRegistry(db store.Querier, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{db: db, log: log}
}

// Create registers a new session with a fresh identity.
func (r *Registry) Create(ctx context.Context, p CreateParams, now time.Time) (*model.Session, error) {
	mode := strings.TrimSpace(p.ScopeMode)
	if mode == "" {
		mode = model.ScopeProject
	}
	if !model.ValidScopeModes[mode] {
		return nil, model.Invalid(model.CodeInvalidScopeMode, "scope_mode must be project or global, got %q", p.ScopeMode)
	}

	flags := p.Flags
	if flags == nil {
		flags = map[string]any{}
	}
	flagsJSON, err := canonical.Encode(flags)
	if err != nil {
		return nil, model.Invalid(model.CodeMissingRequired, "flags are not JSON-encodable: %v", err)
	}

	now = model.Truncate(now)
	sess := &model.Session{
		ID:        store.NewID(now),
		CreatedAt: now,
		ScopeMode: mode,
		Flags:     flags,
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_at, scope_mode, flags_json) VALUES (?, ?, ?, ?)`,
		sess.ID, model.FormatTime(now), mode, flagsJSON)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	r.log.Debug("session created", zap.String("session", sess.ID), zap.String("scope_mode", mode))
	return sess, nil
}

// Get returns the session or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, id string) (*model.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT session_id, created_at, scope_mode, flags_json, last_phase, last_context_hash
		 FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Exists reports whether a session with id is registered.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE session_id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return n > 0, nil
}

// Update applies a partial update and returns the resulting session.
func (r *Registry) Update(ctx context.Context, id string, p UpdateParams) (*model.Session, error) {
	var sets []string
	var args []any
	if p.LastPhase != nil {
		sets = append(sets, "last_phase = ?")
		args = append(args, *p.LastPhase)
	}
	if p.LastContextHash != nil {
		sets = append(sets, "last_context_hash = ?")
		args = append(args, *p.LastContextHash)
	}

	var out *model.Session
	err := r.db.InTx(ctx, func(q store.Querier) error {
		if len(sets) > 0 {
			res, err := q.ExecContext(ctx,
				`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE session_id = ?`,
				append(args, id)...)
			if err != nil {
				return fmt.Errorf("update session: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return model.Invalid(model.CodeSessionNotFound, "session %s not found", id)
			}
		}
		sess, err := NewRegistry(q, r.log).Get(ctx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return model.Invalid(model.CodeSessionNotFound, "session %s not found", id)
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns the most recent sessions, newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]model.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, created_at, scope_mode, flags_json, last_phase, last_context_hash
		 FROM sessions ORDER BY created_at DESC, session_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	var s model.Session
	var createdAt, flagsJSON string
	var lastPhase, lastHash sql.NullString
	if err := row.Scan(&s.ID, &createdAt, &s.ScopeMode, &flagsJSON, &lastPhase, &lastHash); err != nil {
		return nil, err
	}
	s.CreatedAt, _ = model.ParseTime(createdAt)
	if err := json.Unmarshal([]byte(flagsJSON), &s.Flags); err != nil {
		return nil, fmt.Errorf("decode flags: %w", err)
	}
	s.LastPhase = lastPhase.String
	s.LastContextHash = lastHash.String
	return &s, nil
}
