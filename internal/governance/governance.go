// Package governance mints and verifies HMAC-signed receipts and capability
// tokens, and cross-checks a session's ledger and context hash.
//
// Signatures are computed over the canonical form of the typed payload and
// re-derived from the stored payload on verification, so any edit to a
// persisted payload or signature makes verification fail.
package governance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/ledger"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

// Engine mints, verifies and validates governance artifacts.
type Engine struct {
	db     store.Querier
	secret string
	log    *zap.Logger
}

// New returns an Engine signing with the hex-encoded secret.
func New(db store.Querier, secretHex string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{db: db, secret: secretHex, log: log}
}

// Verification is the outcome of checking a stored receipt or token.
// Tampered or unknown artifacts yield Valid=false, never an error.
type Verification struct {
	ID               string `json:"id"`
	Valid            bool   `json:"valid"`
	Found            bool   `json:"found"`
	PayloadHashValid bool   `json:"payload_hash_valid"`
	SignatureValid   bool   `json:"signature_valid"`
	Expired          bool   `json:"expired,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// Verification failure reasons.
const (
	ReasonNotFound          = "not_found"
	ReasonPayloadHash       = "payload_hash_mismatch"
	ReasonSignature         = "signature_mismatch"
	ReasonExpired           = "expired"
	ReasonNotYetValid       = "not_yet_valid"
	ReasonMissingPermission = "missing_permission"
)

// GovernanceResult is the outcome of ValidateGovernance.
type GovernanceResult struct {
	SessionID    string              `json:"session_id"`
	Valid        bool                `json:"valid"`
	ChainValid   bool                `json:"chain_valid"`
	ContextMatch bool                `json:"context_match"`
	ChainCount   int                 `json:"chain_count"`
	Errors       []string            `json:"errors"`
	ChainErrors  []ledger.ChainError `json:"chain_errors,omitempty"`
}

// ValidateGovernance checks that the session's invocation chain verifies
// and that contextHash is the context hash on record for the session.
func (e *Engine) ValidateGovernance(ctx context.Context, sessionID, contextHash string, now time.Time) (*GovernanceResult, error) {
	if sessionID == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "session_id is required")
	}
	if contextHash == "" {
		return nil, model.Invalid(model.CodeContextHashRequired, "context_hash is required")
	}
	sess, err := session.NewRegistry(e.db, e.log).Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, model.Invalid(model.CodeSessionNotFound, "session %s not found", sessionID)
	}

	chain, err := ledger.New(e.db, e.log).VerifyChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	res := &GovernanceResult{
		SessionID:    sessionID,
		ChainValid:   chain.Valid,
		ChainCount:   chain.Count,
		ContextMatch: sess.LastContextHash != "" && sess.LastContextHash == contextHash,
		Errors:       []string{},
		ChainErrors:  chain.Errors,
	}
	if !res.ChainValid {
		res.Errors = append(res.Errors, "invocation chain failed verification")
	}
	if !res.ContextMatch {
		res.Errors = append(res.Errors, "context hash does not match the session record")
	}
	res.Valid = res.ChainValid && res.ContextMatch

	if !res.Valid {
		e.log.Warn("governance validation failed",
			zap.String("session", sessionID), zap.Strings("errors", res.Errors))
	}
	return res, nil
}
