// Package ledger records tool invocations as a per-session hash chain.
// Each record commits to the previous record's hash, so any edit to a
// stored row is detected by VerifyChain without external state.
package ledger

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
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

// RecordParams holds parameters for recording an invocation.
type RecordParams struct {
	SessionID string
	ToolName  string
	Input     any
	Output    any
	Meta      map[string]any
}

// RecordResult identifies the appended chain link.
type RecordResult struct {
	ID       int64  `json:"id"`
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash,omitempty"`
}

// ChainError describes one broken link found by VerifyChain.
type ChainError struct {
	InvocationID int64  `json:"invocation_id"`
	Index        int    `json:"index"`
	Kind         string `json:"kind"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
}

func (e ChainError) String() string {
	return fmt.Sprintf("invocation %d (#%d): %s: expected %q, got %q", e.InvocationID, e.Index, e.Kind, e.Expected, e.Actual)
}

// Chain error kinds.
const (
	KindPrevHashMismatch = "prev_hash_mismatch"
	KindHashMismatch     = "hash_mismatch"
)

// VerifyResult is the outcome of walking a session's chain.
type VerifyResult struct {
	Valid  bool         `json:"valid"`
	Errors []ChainError `json:"errors"`
	Count  int          `json:"count"`
}

// Ledger appends and verifies invocation chains.
type Ledger struct {
	db  store.Querier
	log *zap.Logger
}

// New returns a Ledger over db.
func New(db store.Querier, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{db: db, log: log}
}

// linkHash is the self hash of one chain link. prevHash "" encodes as null.
func linkHash(prevHash, toolName, inputHash, outputHash, ts string) string {
	var prev any
	if prevHash != "" {
		prev = prevHash
	}
	return canonical.Hash(map[string]any{
		"prev_hash":   prev,
		"tool_name":   toolName,
		"input_hash":  inputHash,
		"output_hash": outputHash,
		"ts":          ts,
	})
}

// Record appends an invocation to the session's chain. Reading the chain
// head and appending happen in one transaction.
func (l *Ledger) Record(ctx context.Context, p RecordParams, now time.Time) (*RecordResult, error) {
	tool := strings.TrimSpace(p.ToolName)
	if tool == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "tool_name is required")
	}
	if p.SessionID == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "session_id is required")
	}

	inputText, err := canonical.Encode(p.Input)
	if err != nil {
		return nil, model.Invalid(model.CodeMissingRequired, "input is not JSON-encodable: %v", err)
	}
	outputText, err := canonical.Encode(p.Output)
	if err != nil {
		return nil, model.Invalid(model.CodeMissingRequired, "output is not JSON-encodable: %v", err)
	}
	inputHash := canonical.HashText(inputText)
	outputHash := canonical.HashText(outputText)
	meta := p.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := canonical.Encode(meta)
	if err != nil {
		return nil, model.Invalid(model.CodeMissingRequired, "meta is not JSON-encodable: %v", err)
	}
	ts := model.FormatTime(now)

	var res *RecordResult
	err = l.db.InTx(ctx, func(q store.Querier) error {
		ok, err := session.NewRegistry(q, l.log).Exists(ctx, p.SessionID)
		if err != nil {
			return err
		}
		if !ok {
			return model.Invalid(model.CodeSessionNotFound, "session %s not found", p.SessionID)
		}

		var prev sql.NullString
		err = q.QueryRowContext(ctx,
			`SELECT hash FROM invocations WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
			p.SessionID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}

		hash := linkHash(prev.String, tool, inputHash, outputHash, ts)
		var prevArg any
		if prev.Valid {
			prevArg = prev.String
		}
		r, err := q.ExecContext(ctx,
			`INSERT INTO invocations (session_id, ts, tool_name, input_hash, output_hash, meta_json, prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.SessionID, ts, tool, inputHash, outputHash, metaJSON, prevArg, hash)
		if err != nil {
			return fmt.Errorf("insert invocation: %w", err)
		}
		id, err := r.LastInsertId()
		if err != nil {
			return err
		}
		res = &RecordResult{ID: id, Hash: hash, PrevHash: prev.String}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Debug("invocation recorded",
		zap.String("session", p.SessionID), zap.String("tool", tool), zap.Int64("id", res.ID))
	return res, nil
}

// List returns a session's invocations in insertion order.
func (l *Ledger) List(ctx context.Context, sessionID string) ([]model.Invocation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, session_id, ts, tool_name, input_hash, output_hash, meta_json, prev_hash, hash
		 FROM invocations WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []model.Invocation
	for rows.Next() {
		var inv model.Invocation
		var ts, metaJSON string
		var prev sql.NullString
		if err := rows.Scan(&inv.ID, &inv.SessionID, &ts, &inv.ToolName,
			&inv.InputHash, &inv.OutputHash, &metaJSON, &prev, &inv.Hash); err != nil {
			return nil, err
		}
		inv.TS, _ = model.ParseTime(ts)
		inv.PrevHash = prev.String
		if err := json.Unmarshal([]byte(metaJSON), &inv.Meta); err != nil {
			return nil, fmt.Errorf("decode invocation meta: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Head returns the hash of the newest invocation ("" when none) and the
// chain length.
func (l *Ledger) Head(ctx context.Context, sessionID string) (string, int, error) {
	var count int
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invocations WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return "", 0, fmt.Errorf("count invocations: %w", err)
	}
	if count == 0 {
		return "", 0, nil
	}
	var head string
	if err := l.db.QueryRowContext(ctx,
		`SELECT hash FROM invocations WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID).Scan(&head); err != nil {
		return "", 0, fmt.Errorf("read chain head: %w", err)
	}
	return head, count, nil
}

// VerifyChain walks the session's invocations in insertion order and
// reports every link whose prev_hash or self hash does not check out.
// Tampered data yields Valid=false, never an error.
func (l *Ledger) VerifyChain(ctx context.Context, sessionID string) (*VerifyResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, tool_name, input_hash, output_hash, prev_hash, hash
		 FROM invocations WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read chain: %w", err)
	}
	defer rows.Close()

	res := &VerifyResult{Errors: []ChainError{}}
	expectedPrev := ""
	for rows.Next() {
		var id int64
		var ts, tool, inHash, outHash, hash string
		var prev sql.NullString
		if err := rows.Scan(&id, &ts, &tool, &inHash, &outHash, &prev, &hash); err != nil {
			return nil, err
		}
		index := res.Count
		res.Count++

		if prev.String != expectedPrev || (index == 0 && prev.Valid) {
			res.Errors = append(res.Errors, ChainError{
				InvocationID: id, Index: index, Kind: KindPrevHashMismatch,
				Expected: expectedPrev, Actual: prev.String,
			})
		}
		if want := linkHash(prev.String, tool, inHash, outHash, ts); want != hash {
			res.Errors = append(res.Errors, ChainError{
				InvocationID: id, Index: index, Kind: KindHashMismatch,
				Expected: want, Actual: hash,
			})
		}
		expectedPrev = hash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.Valid = len(res.Errors) == 0
	if !res.Valid {
		l.log.Warn("invocation chain broken",
			zap.String("session", sessionID), zap.Int("errors", len(res.Errors)), zap.Int("count", res.Count))
	}
	return res, nil
}
