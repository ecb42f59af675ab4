// Package model defines the core memory data types.
package model

import "time"

// Session is one reasoning episode. Sessions are never deleted.
type Session struct {
	ID              string         `json:"session_id"`
	CreatedAt       time.Time      `json:"created_at"`
	ScopeMode       string         `json:"scope_mode"`
	Flags           map[string]any `json:"flags,omitempty"`
	LastPhase       string         `json:"last_phase,omitempty"`
	LastContextHash string         `json:"last_context_hash,omitempty"`
}

// Invocation is one link of a session's tool-call hash chain.
// PrevHash is empty for the first invocation of a session.
type Invocation struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	TS         time.Time      `json:"ts"`
	ToolName   string         `json:"tool_name"`
	InputHash  string         `json:"input_hash"`
	OutputHash string         `json:"output_hash"`
	Meta       map[string]any `json:"meta,omitempty"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Hash       string         `json:"hash"`
}

// Experience is an episodic observation. It is never edited after creation.
type Experience struct {
	ID          int64     `json:"experience_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Scope       string    `json:"scope"`
	ContextKeys []string  `json:"context_keys"`
	Summary     string    `json:"summary"`
	Outcome     string    `json:"outcome"`
	Trust       int       `json:"trust"`
	Salience    int       `json:"salience"`
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source"`
}

// Scene groups cells that share overlapping context keys.
type Scene struct {
	ID          int64     `json:"scene_id"`
	Scope       string    `json:"scope"`
	Label       string    `json:"label"`
	ContextKeys []string  `json:"context_keys"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Cell is a durable knowledge unit.
type Cell struct {
	ID                 int64     `json:"cell_id"`
	SceneID            int64     `json:"scene_id"`
	Scope              string    `json:"scope"`
	Type               string    `json:"cell_type"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Trust              int       `json:"trust"`
	Salience           int       `json:"salience"`
	State              string    `json:"state"`
	EvidenceCount      int       `json:"evidence_count"`
	ContradictionCount int       `json:"contradiction_count"`
	CanonicalKey       string    `json:"canonical_key"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Evidence links a cell to the experience that supports or contradicts it.
type Evidence struct {
	ID           int64     `json:"id"`
	CellID       int64     `json:"cell_id"`
	ExperienceID int64     `json:"experience_id"`
	Relation     string    `json:"relation"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConsolidationMeta holds the per-scope consolidation watermark.
type ConsolidationMeta struct {
	Scope               string    `json:"scope"`
	LastConsolidationTS time.Time `json:"last_consolidation_ts"`
}

// Cell types.
const (
	CellFact       = "fact"
	CellRule       = "rule"
	CellPreference = "preference"
	CellPolicy     = "policy"
)

// Cell lifecycle states.
const (
	StateUnverified = "unverified"
	StateObserved   = "observed"
	StateReinforced = "reinforced"
	StateStable     = "stable"
	StateDecaying   = "decaying"
	StateArchived   = "archived"
)

// Evidence relations.
const (
	RelSupports    = "supports"
	RelContradicts = "contradicts"
)

// Experience sources.
const (
	SourceUser    = "user"
	SourceSystem  = "system"
	SourceAgent   = "agent"
	SourceDerived = "derived"
)

// Session scope modes.
const (
	ScopeProject = "project"
	ScopeGlobal  = "global"
)

// Bounds shared by every component.
const (
	MinTrust       = 0
	MaxTrust       = 3
	MinSalience    = 0
	MaxSalience    = 1000
	MaxSummaryLen  = 4000
	DefaultScope   = ScopeGlobal
	DefaultOutcome = "unknown"
)

// ValidCellTypes are the allowed cell types.
var ValidCellTypes = map[string]bool{
	CellFact:       true,
	CellRule:       true,
	CellPreference: true,
	CellPolicy:     true,
}

// ValidStates are the allowed lifecycle states.
var ValidStates = map[string]bool{
	StateUnverified: true,
	StateObserved:   true,
	StateReinforced: true,
	StateStable:     true,
	StateDecaying:   true,
	StateArchived:   true,
}

// ValidRelations are the allowed evidence relations.
var ValidRelations = map[string]bool{
	RelSupports:    true,
	RelContradicts: true,
}

// ValidOutcomes are the allowed experience outcomes.
var ValidOutcomes = map[string]bool{
	"success": true,
	"partial": true,
	"fail":    true,
	"unknown": true,
}

// ValidSources are the allowed experience sources.
var ValidSources = map[string]bool{
	SourceUser:    true,
	SourceSystem:  true,
	SourceAgent:   true,
	SourceDerived: true,
}

// ValidScopeModes are the allowed session scope modes.
var ValidScopeModes = map[string]bool{
	ScopeProject: true,
	ScopeGlobal:  true,
}
