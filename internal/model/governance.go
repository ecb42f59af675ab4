package model

import "time"

// ReceiptPayload is the signed body of a receipt. ChainHead and ChainCount
// pin the receipt to the session's ledger state at mint time.
type ReceiptPayload struct {
	SessionID   string `json:"session_id"`
	Type        string `json:"type"`
	Scope       string `json:"scope"`
	ContextHash string `json:"context_hash"`
	TS          string `json:"ts"`
	ChainHead   string `json:"chain_head"`
	ChainCount  int    `json:"chain_count"`
}

// Receipt proves a session's state at a point in time.
type Receipt struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	TS          time.Time      `json:"ts"`
	Type        string         `json:"type"`
	Payload     ReceiptPayload `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	Signature   string         `json:"signature"`
	PublicMeta  map[string]any `json:"public_meta,omitempty"`
}

// TokenPayload is the signed body of a capability token.
type TokenPayload struct {
	TokenID     string   `json:"token_id"`
	SessionID   string   `json:"session_id"`
	Type        string   `json:"type"`
	Scope       string   `json:"scope"`
	ContextHash string   `json:"context_hash"`
	TS          string   `json:"ts"`
	Permissions []string `json:"permissions"`
	IssuedAt    string   `json:"issued_at"`
	ExpiresAt   string   `json:"expires_at"`
}

// Token grants scoped permissions for a bounded validity window.
type Token struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	TS          time.Time    `json:"ts"`
	Type        string       `json:"type"`
	Payload     TokenPayload `json:"payload"`
	PayloadHash string       `json:"payload_hash"`
	Signature   string       `json:"signature"`
	Permissions []string     `json:"permissions"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// TokenTypeCapability is the only token type minted today.
const TokenTypeCapability = "capability"
