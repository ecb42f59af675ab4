package governance

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
	"github.com/rcliao/memory-engine/internal/ledger"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

// DefaultReceiptType is used when MintReceiptParams.Type is empty.
const DefaultReceiptType = "context"

// MintReceiptParams holds parameters for minting a receipt. An empty
// ContextHash takes the session's last context hash.
type MintReceiptParams struct {
	SessionID   string
	Type        string
	Scope       string
	ContextHash string
	PublicMeta  map[string]any
}

// MintReceipt signs the session's current state: its context hash and the
// head of its invocation chain.
func (e *Engine) MintReceipt(ctx context.Context, p MintReceiptParams, now time.Time) (*model.Receipt, error) {
	if p.SessionID == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "session_id is required")
	}
	typ := strings.TrimSpace(p.Type)
	if typ == "" {
		typ = DefaultReceiptType
	}
	scope := p.Scope
	if scope == "" {
		scope = model.DefaultScope
	}
	meta := p.PublicMeta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := canonical.Encode(meta)
	if err != nil {
		return nil, model.Invalid(model.CodeMissingRequired, "public_meta is not JSON-encodable: %v", err)
	}

	now = model.Truncate(now)
	var rec *model.Receipt
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
		if contextHash == "" {
			return model.Invalid(model.CodeContextHashRequired, "session %s has no context hash; pack context first", p.SessionID)
		}

		head, count, err := ledger.New(q, e.log).Head(ctx, p.SessionID)
		if err != nil {
			return err
		}

		payload := model.ReceiptPayload{
			SessionID:   p.SessionID,
			Type:        typ,
			Scope:       scope,
			ContextHash: contextHash,
			TS:          model.FormatTime(now),
			ChainHead:   head,
			ChainCount:  count,
		}
		sig, err := canonical.Sign(payload, e.secret)
		if err != nil {
			return fmt.Errorf("sign receipt: %w", err)
		}
		rec = &model.Receipt{
			ID:          store.NewID(now),
			SessionID:   p.SessionID,
			TS:          now,
			Type:        typ,
			Payload:     payload,
			PayloadHash: canonical.Hash(payload),
			Signature:   sig,
			PublicMeta:  meta,
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO receipts (id, session_id, ts, type, payload_json, payload_hash, signature, public_meta_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.SessionID, payload.TS, rec.Type, canonical.MustEncode(payload),
			rec.PayloadHash, rec.Signature, metaJSON)
		if err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("receipt minted", zap.String("id", rec.ID), zap.String("session", rec.SessionID),
		zap.Int("chain_count", rec.Payload.ChainCount))
	return rec, nil
}

const receiptColumns = `SELECT id, session_id, ts, type, payload_json, payload_hash, signature, public_meta_json FROM receipts`

// GetReceipt returns the receipt or nil when it does not exist.
func (e *Engine) GetReceipt(ctx context.Context, id string) (*model.Receipt, error) {
	rec, err := scanReceipt(e.db.QueryRowContext(ctx, receiptColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return rec, nil
}

// ListReceipts returns a session's receipts, oldest first.
func (e *Engine) ListReceipts(ctx context.Context, sessionID string) ([]model.Receipt, error) {
	rows, err := e.db.QueryContext(ctx, receiptColumns+` WHERE session_id = ? ORDER BY ts ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// VerifyReceipt recomputes the payload hash and signature from the stored
// payload text and compares them with the stored values.
func (e *Engine) VerifyReceipt(ctx context.Context, id string) (*Verification, error) {
	v, _, err := e.verifyStored(ctx, "receipts", id)
	if err != nil {
		return nil, err
	}
	if v.Found && !v.Valid {
		e.log.Warn("receipt failed verification", zap.String("id", id), zap.String("reason", v.Reason))
	}
	return v, nil
}

// verifyStored checks the stored payload of row id in table against its
// stored hash and signature. The payload is decoded generically, so fields
// added to it in storage are covered by the check too.
func (e *Engine) verifyStored(ctx context.Context, table, id string) (*Verification, string, error) {
	v := &Verification{ID: id}
	var payloadJSON, payloadHash, signature string
	err := e.db.QueryRowContext(ctx,
		`SELECT payload_json, payload_hash, signature FROM `+table+` WHERE id = ?`, id).
		Scan(&payloadJSON, &payloadHash, &signature)
	if errors.Is(err, sql.ErrNoRows) {
		v.Reason = ReasonNotFound
		return v, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", table, err)
	}
	v.Found = true

	dec := json.NewDecoder(strings.NewReader(payloadJSON))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		v.Reason = ReasonPayloadHash
		return v, payloadJSON, nil
	}

	text, err := canonical.Encode(payload)
	if err != nil {
		v.Reason = ReasonPayloadHash
		return v, payloadJSON, nil
	}
	v.PayloadHashValid = canonical.HashText(text) == payloadHash
	v.SignatureValid = canonical.Verify(payload, signature, e.secret)
	switch {
	case !v.SignatureValid:
		v.Reason = ReasonSignature
	case !v.PayloadHashValid:
		v.Reason = ReasonPayloadHash
	}
	v.Valid = v.PayloadHashValid && v.SignatureValid
	return v, payloadJSON, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanner) (*model.Receipt, error) {
	var rec model.Receipt
	var ts, payloadJSON, metaJSON string
	if err := row.Scan(&rec.ID, &rec.SessionID, &ts, &rec.Type, &payloadJSON,
		&rec.PayloadHash, &rec.Signature, &metaJSON); err != nil {
		return nil, err
	}
	rec.TS, _ = model.ParseTime(ts)
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode receipt payload: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &rec.PublicMeta); err != nil {
		return nil, fmt.Errorf("decode receipt meta: %w", err)
	}
	return &rec, nil
}
