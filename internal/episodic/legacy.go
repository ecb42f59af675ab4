package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/rcliao/memory-engine/internal/model"
	"github.com/rcliao/memory-engine/internal/store"
)

// LegacyEntry is one record exported from the free-text experience store.
type LegacyEntry struct {
	NS         string   `json:"ns"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags,omitempty"`
}

// ImportResult counts what ImportLegacy did.
type ImportResult struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Reasons  []string `json:"reasons,omitempty"`
}

// ParseLegacy decodes a JSON array of legacy entries. Malformed input (a
// hand-edited export, trailing commas, unquoted keys) is repaired first.
func ParseLegacy(data []byte) ([]LegacyEntry, error) {
	var entries []LegacyEntry
	err := json.Unmarshal(data, &entries)
	if err == nil {
		return entries, nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return nil, fmt.Errorf("parse legacy export: %w (repair: %v)", err, repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &entries); err != nil {
		return nil, fmt.Errorf("parse repaired legacy export: %w", err)
	}
	return entries, nil
}

// ImportLegacy converts legacy entries into experiences stamped now, so
// the next consolidation picks them up. Confidence maps onto trust through
// model.TrustFromConfidence. Entries that fail validation are skipped.
func (s *Store) ImportLegacy(ctx context.Context, entries []LegacyEntry, now time.Time) (*ImportResult, error) {
	res := &ImportResult{}
	err := s.db.InTx(ctx, func(q store.Querier) error {
		for i, e := range entries {
			summary := strings.TrimSpace(e.Content)
			if r := []rune(summary); len(r) > model.MaxSummaryLen {
				summary = string(r[:model.MaxSummaryLen])
			}
			exp, err := prepare(RecordParams{
				Scope:       e.NS,
				ContextKeys: e.Tags,
				Summary:     summary,
				Trust:       model.TrustFromConfidence(e.Confidence),
				Source:      model.SourceDerived,
			}, now)
			if err != nil {
				if ve, ok := model.AsValidation(err); ok {
					res.Skipped++
					res.Reasons = append(res.Reasons, fmt.Sprintf("entry %d: %s", i, ve.Code))
					continue
				}
				return err
			}
			if err := insert(ctx, q, exp); err != nil {
				return err
			}
			res.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("legacy import complete", zap.Int("imported", res.Imported), zap.Int("skipped", res.Skipped))
	return res, nil
}
