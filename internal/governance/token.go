package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

// DefaultTokenTTL applies when MintTokenParams.TTL is zero.
const DefaultTokenTTL = time.Hour

var permissionRe = regexp.MustCompile(`^[a-z0-9_.:*-]+$`)

// MintTokenParams holds parameters for minting a capability token. An
// empty ContextHash takes the session's last context hash.
type MintTokenParams struct {
	SessionID   string
	Scope       string
	ContextHash string
	Permissions []string
	TTL         time.Duration
}

// CanonicalPermissions lower-cases, trims, dedups and sorts permissions,
// rejecting empty sets and malformed entries.
func CanonicalPermissions(perms []string) ([]string, error) {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if !permissionRe.MatchString(p) {
			return nil, model.Invalid(model.CodeInvalidPermission, "invalid permission %q", p)
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, model.Invalid(model.CodeInvalidPermission, "at least one permission is required")
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Permits reports whether granted covers want. A trailing * in a grant
// matches any suffix.
func Permits(granted []string, want string) bool {
	want = strings.ToLower(strings.TrimSpace(want))
	for _, g := range granted {
		if g == want {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasPrefix(want, prefix) {
			return true
		}
	}
	return false
}

// MintToken signs a capability token granting permissions for TTL from now.
func (e *Engine) MintToken(ctx context.Context, p MintTokenParams, now time.Time) (*model.Token, error) {
	if p.SessionID == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "session_id is required")
	}
	perms, err := CanonicalPermissions(p.Permissions)
	if err != nil {
		return nil, err
	}
	ttl := p.TTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	if ttl < 0 {
		return nil, model.Invalid(model.CodeInvalidTTL, "ttl must be positive, got %s", p.TTL)
	}
	scope := p.Scope
	if scope == "" {
		scope = model.DefaultScope
	}

	now = model.Truncate(now)
	expires := model.Truncate(now.Add(ttl))
	if !expires.After(now) {
		return nil, model.Invalid(model.CodeInvalidTTL, "ttl must be at least 1ms, got %s", p.TTL)
	}

	var tok *model.Token
	err = e.db.InTx(ctx, func(q store.Querier) error {
		sess, err := session.NewRegistry(q, e.log).Get(ctx, p.SessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return model.Invalid(model.CodeSessionNotFound, "session %s not found", p.SessionID)
		}
		contextHash := p.ContextHash
		if contextHash == "" {
			contextHash = sess.LastContextHash
		}

		id := uuid.NewString()
		payload := model.TokenPayload{
			TokenID:     id,
			SessionID:   p.SessionID,
			Type:        model.TokenTypeCapability,
			Scope:       scope,
			ContextHash: contextHash,
			TS:          model.FormatTime(now),
			Permissions: perms,
			IssuedAt:    model.FormatTime(now),
			ExpiresAt:   model.FormatTime(expires),
		}
		sig, err := canonical.Sign(payload, e.secret)
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		tok = &model.Token{
			ID:          id,
			SessionID:   p.SessionID,
			TS:          now,
			Type:        model.TokenTypeCapability,
			Payload:     payload,
			PayloadHash: canonical.Hash(payload),
			Signature:   sig,
			Permissions: perms,
			IssuedAt:    now,
			ExpiresAt:   expires,
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO memory_tokens (id, session_id, ts, type, payload_json, payload_hash, signature,
			 permissions_json, issued_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tok.ID, tok.SessionID, payload.TS, tok.Type, canonical.MustEncode(payload), tok.PayloadHash,
			tok.Signature, canonical.MustEncode(perms), payload.IssuedAt, payload.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("token minted", zap.String("id", tok.ID), zap.String("session", tok.SessionID),
		zap.Strings("permissions", perms), zap.Time("expires_at", expires))
	return tok, nil
}

const tokenColumns = `SELECT id, session_id, ts, type, payload_json, payload_hash, signature,
	permissions_json, issued_at, expires_at FROM memory_tokens`

// GetToken returns the token or nil when it does not exist.
func (e *Engine) GetToken(ctx context.Context, id string) (*model.Token, error) {
	var tok model.Token
	var ts, payloadJSON, permsJSON, issued, expires string
	err := e.db.QueryRowContext(ctx, tokenColumns+` WHERE id = ?`, id).Scan(&tok.ID, &tok.SessionID, &ts,
		&tok.Type, &payloadJSON, &tok.PayloadHash, &tok.Signature, &permsJSON, &issued, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	tok.TS, _ = model.ParseTime(ts)
	tok.IssuedAt, _ = model.ParseTime(issued)
	tok.ExpiresAt, _ = model.ParseTime(expires)
	if err := json.Unmarshal([]byte(payloadJSON), &tok.Payload); err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &tok.Permissions); err != nil {
		return nil, fmt.Errorf("decode token permissions: %w", err)
	}
	return &tok, nil
}

// VerifyToken checks the stored token's hash and signature, then its
// validity window at now. The window is read from the signed payload.
func (e *Engine) VerifyToken(ctx context.Context, id string, now time.Time) (*Verification, error) {
	v, _, err := e.verifyToken(ctx, id, now)
	return v, err
}

// VerifyTokenPermission is VerifyToken plus a check that the token grants
// permission.
func (e *Engine) VerifyTokenPermission(ctx context.Context, id, permission string, now time.Time) (*Verification, error) {
	v, payload, err := e.verifyToken(ctx, id, now)
	if err != nil || !v.Valid {
		return v, err
	}
	if !Permits(payload.Permissions, permission) {
		v.Valid = false
		v.Reason = ReasonMissingPermission
	}
	return v, nil
}

func (e *Engine) verifyToken(ctx context.Context, id string, now time.Time) (*Verification, *model.TokenPayload, error) {
	v, payloadJSON, err := e.verifyStored(ctx, "memory_tokens", id)
	if err != nil || !v.Valid {
		if v != nil && v.Found && !v.Valid {
			e.log.Warn("token failed verification", zap.String("id", id), zap.String("reason", v.Reason))
		}
		return v, nil, err
	}

	var payload model.TokenPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, nil, fmt.Errorf("decode token payload: %w", err)
	}
	issued, err := model.ParseTime(payload.IssuedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("parse issued_at: %w", err)
	}
	expires, err := model.ParseTime(payload.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("parse expires_at: %w", err)
	}
	switch {
	case now.Before(issued):
		v.Valid = false
		v.Reason = ReasonNotYetValid
	case !now.Before(expires):
		v.Valid = false
		v.Expired = true
		v.Reason = ReasonExpired
	}
	return v, &payload, nil
}
