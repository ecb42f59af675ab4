package governance

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/ledger"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const contextHash = "c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00c0ffee00"

type fixture struct {
	db        *store.Store
	engine    *Engine
	sessionID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	secret, err := canonical.NewSecret()
	require.NoError(t, err)

	reg := session.NewRegistry(db, nil)
	sess, err := reg.Create(ctx, session.CreateParams{}, t0)
	require.NoError(t, err)
	hash := contextHash
	_, err = reg.Update(ctx, sess.ID, session.UpdateParams{LastContextHash: &hash})
	require.NoError(t, err)

	l := ledger.New(db, nil)
	for i := 0; i < 2; i++ {
		_, err := l.Record(ctx, ledger.RecordParams{SessionID: sess.ID, ToolName: "read", Input: i}, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	return &fixture{db: db, engine: New(db, secret, zaptest.NewLogger(t)), sessionID: sess.ID}
}

func TestMintAndVerifyReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec, err := f.engine.MintReceipt(ctx, MintReceiptParams{
		SessionID: f.sessionID, Scope: "proj", PublicMeta: map[string]any{"phase": "plan"},
	}, t0)
	require.NoError(t, err)
	assert.Len(t, rec.ID, 26)
	assert.Equal(t, DefaultReceiptType, rec.Type)
	assert.Equal(t, contextHash, rec.Payload.ContextHash)
	assert.Equal(t, 2, rec.Payload.ChainCount)
	assert.Regexp(t, "^[0-9a-f]{64}$", rec.Signature)
	assert.Equal(t, canonical.Hash(rec.Payload), rec.PayloadHash)

	head, _, err := ledger.New(f.db, nil).Head(ctx, f.sessionID)
	require.NoError(t, err)
	assert.Equal(t, head, rec.Payload.ChainHead)

	v, err := f.engine.VerifyReceipt(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.Found)
	assert.True(t, v.SignatureValid)
	assert.True(t, v.PayloadHashValid)

	got, err := f.engine.GetReceipt(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Payload, got.Payload)
	assert.Equal(t, "plan", got.PublicMeta["phase"])

	list, err := f.engine.ListReceipts(ctx, f.sessionID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestReceiptSignatureTamperAndRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.engine.MintReceipt(ctx, MintReceiptParams{SessionID: f.sessionID}, t0)
	require.NoError(t, err)

	forged := strings.Repeat("0", 64)
	_, err = f.db.ExecContext(ctx, `UPDATE receipts SET signature = ? WHERE id = ?`, forged, rec.ID)
	require.NoError(t, err)
	v, err := f.engine.VerifyReceipt(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonSignature, v.Reason)

	_, err = f.db.ExecContext(ctx, `UPDATE receipts SET signature = ? WHERE id = ?`, rec.Signature, rec.ID)
	require.NoError(t, err)
	v, err = f.engine.VerifyReceipt(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestReceiptPayloadTamper(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.engine.MintReceipt(ctx, MintReceiptParams{SessionID: f.sessionID}, t0)
	require.NoError(t, err)

	_, err = f.db.ExecContext(ctx,
		`UPDATE receipts SET payload_json = replace(payload_json, '"chain_count":2', '"chain_count":3') WHERE id = ?`, rec.ID)
	require.NoError(t, err)
	v, err := f.engine.VerifyReceipt(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.PayloadHashValid)
	assert.False(t, v.SignatureValid)
}

func TestReceiptOverflowingNumberIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.engine.MintReceipt(ctx, MintReceiptParams{SessionID: f.sessionID}, t0)
	require.NoError(t, err)

	for _, payload := range []string{`{"chain_count":1e999}`, `{"chain_count":`} {
		_, err = f.db.ExecContext(ctx, `UPDATE receipts SET payload_json = ? WHERE id = ?`, payload, rec.ID)
		require.NoError(t, err)

		var v *Verification
		require.NotPanics(t, func() { v, err = f.engine.VerifyReceipt(ctx, rec.ID) })
		require.NoError(t, err)
		assert.True(t, v.Found)
		assert.False(t, v.Valid, payload)
		assert.False(t, v.PayloadHashValid, payload)
	}
}

func TestReceiptRejectsOtherSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec, err := f.engine.MintReceipt(ctx, MintReceiptParams{SessionID: f.sessionID}, t0)
	require.NoError(t, err)

	other, err := canonical.NewSecret()
	require.NoError(t, err)
	v, err := New(f.db, other, nil).VerifyReceipt(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.PayloadHashValid)
}

func TestReceiptValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bare, err := session.NewRegistry(f.db, nil).Create(ctx, session.CreateParams{}, t0)
	require.NoError(t, err)
	_, err = f.engine.MintReceipt(ctx, MintReceiptParams{SessionID: bare.ID}, t0)
	assert.True(t, model.IsValidation(err, model.CodeContextHashRequired))

	_, err = f.engine.MintReceipt(ctx, MintReceiptParams{SessionID: "missing"}, t0)
	assert.True(t, model.IsValidation(err, model.CodeSessionNotFound))

	v, err := f.engine.VerifyReceipt(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, v.Found)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonNotFound, v.Reason)
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok, err := f.engine.MintToken(ctx, MintTokenParams{
		SessionID:   f.sessionID,
		Permissions: []string{"Memory:Read", "memory:read", " ledger:* "},
		TTL:         time.Hour,
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger:*", "memory:read"}, tok.Permissions)
	assert.Equal(t, contextHash, tok.Payload.ContextHash)
	assert.True(t, tok.ExpiresAt.Equal(t0.Add(time.Hour)))

	v, err := f.engine.VerifyToken(ctx, tok.ID, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, v.Valid)

	v, err = f.engine.VerifyToken(ctx, tok.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.Expired)
	assert.True(t, v.SignatureValid)

	v, err = f.engine.VerifyToken(ctx, tok.ID, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, ReasonNotYetValid, v.Reason)

	v, err = f.engine.VerifyTokenPermission(ctx, tok.ID, "ledger:verify", t0)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	v, err = f.engine.VerifyTokenPermission(ctx, tok.ID, "memory:write", t0)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonMissingPermission, v.Reason)

	got, err := f.engine.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tok.Payload, got.Payload)
	assert.Equal(t, tok.Permissions, got.Permissions)
}

func TestTokenExpiryTamperDetected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tok, err := f.engine.MintToken(ctx, MintTokenParams{SessionID: f.sessionID, Permissions: []string{"read"}}, t0)
	require.NoError(t, err)

	_, err = f.db.ExecContext(ctx,
		`UPDATE memory_tokens SET payload_json = replace(payload_json, ?, ?) WHERE id = ?`,
		tok.Payload.ExpiresAt, "2099-01-01T00:00:00.000Z", tok.ID)
	require.NoError(t, err)

	v, err := f.engine.VerifyToken(ctx, tok.ID, t0)
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, ReasonSignature, v.Reason)
}

func TestTokenValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.MintToken(ctx, MintTokenParams{SessionID: f.sessionID, Permissions: []string{"bad perm!"}}, t0)
	assert.True(t, model.IsValidation(err, model.CodeInvalidPermission))

	_, err = f.engine.MintToken(ctx, MintTokenParams{SessionID: f.sessionID, Permissions: []string{" "}}, t0)
	assert.True(t, model.IsValidation(err, model.CodeInvalidPermission))

	_, err = f.engine.MintToken(ctx, MintTokenParams{SessionID: f.sessionID, Permissions: []string{"read"}, TTL: -time.Minute}, t0)
	assert.True(t, model.IsValidation(err, model.CodeInvalidTTL))
}

func TestPermits(t *testing.T) {
	granted := []string{"ledger:*", "memory:read"}
	assert.True(t, Permits(granted, "memory:read"))
	assert.True(t, Permits(granted, "LEDGER:verify"))
	assert.False(t, Permits(granted, "memory:write"))
	assert.True(t, Permits([]string{"*"}, "anything"))
}

func TestValidateGovernance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.engine.ValidateGovernance(ctx, f.sessionID, contextHash, t0)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.ChainCount)
	assert.Empty(t, res.Errors)

	res, err = f.engine.ValidateGovernance(ctx, f.sessionID, strings.Repeat("a", 64), t0)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.ChainValid)
	assert.False(t, res.ContextMatch)

	_, err = f.db.ExecContext(ctx, `UPDATE invocations SET tool_name = 'write' WHERE session_id = ?`, f.sessionID)
	require.NoError(t, err)
	res, err = f.engine.ValidateGovernance(ctx, f.sessionID, contextHash, t0)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.False(t, res.ChainValid)
	assert.True(t, res.ContextMatch)
	assert.NotEmpty(t, res.ChainErrors)

	_, err = f.engine.ValidateGovernance(ctx, f.sessionID, "", t0)
	assert.True(t, model.IsValidation(err, model.CodeContextHashRequired))
}
