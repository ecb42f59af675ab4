package model

import "time"

// SalienceInput carries the cell (or experience) attributes the salience
// formula reads.
type SalienceInput struct {
	State              string
	EvidenceCount      int
	ContradictionCount int
	Trust              int
	UpdatedAt          time.Time
}

// StateWeight returns the base salience contribution of a lifecycle state.
func StateWeight(state string) int {
	switch state {
	case StateObserved:
		return 50
	case StateReinforced:
		return 100
	case StateStable:
		return 150
	case StateDecaying:
		return 25
	default: // unverified, archived, unknown
		return 0
	}
}

// RecencyBucket maps the age of updatedAt relative to now onto 1..5.
// Timestamps in the future count as fresh.
func RecencyBucket(updatedAt, now time.Time) int {
	age := now.Sub(updatedAt)
	const day = 24 * time.Hour
	switch {
	case age <= day:
		return 5
	case age <= 7*day:
		return 4
	case age <= 30*day:
		return 3
	case age <= 90*day:
		return 2
	default:
		return 1
	}
}

// Salience computes the integer relevance score, clamped to [0, 1000].
func Salience(in SalienceInput, now time.Time) int {
	s := StateWeight(in.State) +
		in.EvidenceCount*60 +
		RecencyBucket(in.UpdatedAt, now)*20 +
		in.Trust*40 -
		in.ContradictionCount*120
	return ClampSalience(s)
}

// ClampSalience bounds s to [MinSalience, MaxSalience].
func ClampSalience(s int) int {
	return min(max(s, MinSalience), MaxSalience)
}

// StateForTrust infers a lifecycle state from a trust level, used when an
// experience arrives without an explicit salience.
func StateForTrust(trust int) string {
	switch {
	case trust >= 2:
		return StateReinforced
	case trust >= 1:
		return StateObserved
	default:
		return StateUnverified
	}
}

// Legacy confidence thresholds. These are a fixed policy carried over from
// the free-text store and are not derived from anything in the engine.
const (
	LegacyTrust3Confidence = 0.75
	LegacyTrust2Confidence = 0.5
	LegacyTrust1Confidence = 0.25
)

// TrustFromConfidence maps a legacy 0..1 confidence score onto trust 0..3.
func TrustFromConfidence(c float64) int {
	switch {
	case c >= LegacyTrust3Confidence:
		return 3
	case c >= LegacyTrust2Confidence:
		return 2
	case c >= LegacyTrust1Confidence:
		return 1
	default:
		return 0
	}
}
