// Package contextpack assembles a byte-budgeted, reproducibly hashed
// snapshot of the most relevant cells and experiences for a session.
package contextpack

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/canonical"
	"github.com/rcliao/memory-engine/internal/episodic"
	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/semantic"
	"github.com/rcliao/memory-engine/internal/session"
	"github.com/rcliao/memory-engine/internal/store"
)

// Defaults applied to zero Params fields.
const (
	DefaultMaxCells       = 20
	DefaultMaxExperiences = 10
	DefaultByteBudget     = 8192
)

// SummaryLimit is how many characters of an experience summary are packed.
const SummaryLimit = 200

// Params holds parameters for Pack.
type Params struct {
	SessionID      string
	Scope          string
	ContextKeys    []string
	MaxCells       int
	MaxExperiences int
	ByteBudget     int
}

// CellItem is the packed projection of a cell.
type CellItem struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	Trust       int    `json:"trust"`
	Salience    int    `json:"salience"`
	State       string `json:"state"`
	UpdatedAt   string `json:"updated_at"`
	WhyIncluded string `json:"why_included"`
}

// ExperienceItem is the packed projection of an experience.
type ExperienceItem struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Summary     string `json:"summary"`
	Outcome     string `json:"outcome"`
	Trust       int    `json:"trust"`
	Salience    int    `json:"salience"`
	CreatedAt   string `json:"created_at"`
	WhyIncluded string `json:"why_included"`
}

// Pack is an assembled context pack.
type Pack struct {
	SessionID   string           `json:"session_id"`
	Scope       string           `json:"scope"`
	ContextKeys []string         `json:"context_keys"`
	Cells       []CellItem       `json:"cells"`
	Experiences []ExperienceItem `json:"experiences"`
	ByteBudget  int              `json:"byte_budget"`
	BytesUsed   int              `json:"bytes_used"`
	Dropped     int              `json:"dropped"`
	ContextHash string           `json:"context_hash"`
}

// Packer builds context packs.
type Packer struct {
	db  store.Querier
	log *zap.Logger
}

// New returns a Packer over db.
func New(db store.Querier, log *zap.Logger) *Packer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Packer{db: db, log: log}
}

// Pack ranks cells and experiences, packs them greedily into the byte
// budget (cells first), hashes the result and records the hash as the
// session's last context hash. Each list stops at its first item whose
// canonical encoding does not fit the remaining budget. Identical state
// and parameters always produce the same ContextHash.
func (p *Packer) Pack(ctx context.Context, params Params, now time.Time) (*Pack, error) {
	if params.SessionID == "" {
		return nil, model.Invalid(model.CodeMissingRequired, "session_id is required")
	}
	if params.MaxCells <= 0 {
		params.MaxCells = DefaultMaxCells
	}
	if params.MaxExperiences <= 0 {
		params.MaxExperiences = DefaultMaxExperiences
	}
	if params.ByteBudget <= 0 {
		params.ByteBudget = DefaultByteBudget
	}
	if params.Scope == "" {
		params.Scope = model.DefaultScope
	}
	keys := model.CanonicalKeys(params.ContextKeys)

	out := &Pack{
		SessionID:   params.SessionID,
		Scope:       params.Scope,
		ContextKeys: keys,
		Cells:       []CellItem{},
		Experiences: []ExperienceItem{},
		ByteBudget:  params.ByteBudget,
	}

	err := p.db.InTx(ctx, func(q store.Querier) error {
		reg := session.NewRegistry(q, p.log)
		ok, err := reg.Exists(ctx, params.SessionID)
		if err != nil {
			return err
		}
		if !ok {
			return model.Invalid(model.CodeSessionNotFound, "session %s not found", params.SessionID)
		}

		cells, err := semantic.New(q, p.log).QueryForContext(ctx, semantic.ContextQuery{
			Scope: params.Scope, ContextKeys: keys, Limit: params.MaxCells,
		})
		if err != nil {
			return err
		}
		exps, err := episodic.New(q, p.log).Query(ctx, episodic.QueryParams{
			Scope: params.Scope, Limit: params.MaxExperiences,
		})
		if err != nil {
			return err
		}

		remaining := params.ByteBudget
		for i, c := range cells.Cells {
			item := cellItem(c, i+1, cells)
			size, err := encodedSize(item)
			if err != nil {
				return err
			}
			if size > remaining {
				out.Dropped += len(cells.Cells) - i
				break
			}
			out.Cells = append(out.Cells, item)
			remaining -= size
		}
		for i, e := range exps {
			item := experienceItem(e, i+1)
			size, err := encodedSize(item)
			if err != nil {
				return err
			}
			if size > remaining {
				out.Dropped += len(exps) - i
				break
			}
			out.Experiences = append(out.Experiences, item)
			remaining -= size
		}
		out.BytesUsed = params.ByteBudget - remaining
		out.ContextHash = ContextHash(out.Cells, out.Experiences)

		_, err = reg.Update(ctx, params.SessionID, session.UpdateParams{LastContextHash: &out.ContextHash})
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Debug("context packed",
		zap.String("session", params.SessionID),
		zap.Int("cells", len(out.Cells)),
		zap.Int("experiences", len(out.Experiences)),
		zap.Int("bytes", out.BytesUsed),
		zap.String("hash", out.ContextHash))
	return out, nil
}

// ContextHash is the hash of the packed lists.
func ContextHash(cells []CellItem, exps []ExperienceItem) string {
	if cells == nil {
		cells = []CellItem{}
	}
	if exps == nil {
		exps = []ExperienceItem{}
	}
	return canonical.Hash(map[string]any{"cells": cells, "experiences": exps})
}

func encodedSize(v any) (int, error) {
	s, err := canonical.Encode(v)
	if err != nil {
		return 0, fmt.Errorf("encode pack item: %w", err)
	}
	return len(s), nil
}

func cellItem(c model.Cell, rank int, res *semantic.ContextResult) CellItem {
	var why string
	switch {
	case len(res.Scenes) > 0:
		why = fmt.Sprintf("scene_match:%d rank:%d", c.SceneID, rank)
	case res.Fallback:
		why = fmt.Sprintf("scope_fallback rank:%d", rank)
	default:
		why = fmt.Sprintf("scope rank:%d", rank)
	}
	return CellItem{
		ID:          c.ID,
		Type:        c.Type,
		Title:       c.Title,
		Trust:       c.Trust,
		Salience:    c.Salience,
		State:       c.State,
		UpdatedAt:   model.FormatTime(c.UpdatedAt),
		WhyIncluded: why + " " + signals(c.Trust, c.Salience),
	}
}

func experienceItem(e model.Experience, rank int) ExperienceItem {
	return ExperienceItem{
		ID:          e.ID,
		Type:        "experience",
		Summary:     truncate(e.Summary, SummaryLimit),
		Outcome:     e.Outcome,
		Trust:       e.Trust,
		Salience:    e.Salience,
		CreatedAt:   model.FormatTime(e.CreatedAt),
		WhyIncluded: fmt.Sprintf("recent rank:%d %s", rank, signals(e.Trust, e.Salience)),
	}
}

func signals(trust, salience int) string {
	return fmt.Sprintf("trust:%d salience:%d", trust, salience)
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
