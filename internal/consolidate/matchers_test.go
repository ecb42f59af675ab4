package consolidate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rcliao/memory-engine/internal/model"
)

func TestClassifyFirstMatchWins(t *testing.T) {
	agent := model.Experience{Source: model.SourceAgent}
	user := model.Experience{Source: model.SourceUser}
	policy := model.Experience{Source: model.SourceAgent, ContextKeys: []string{"governance"}}

	tests := []struct {
		name     string
		sentence string
		exp      model.Experience
		want     string
		ok       bool
	}{
		{"rule", "Never commit secrets.", agent, model.CellRule, true},
		{"rule beats preference", "You should prefer tabs.", user, model.CellRule, true},
		{"preference needs user", "I prefer tabs.", agent, "", false},
		{"preference", "I like short functions.", user, model.CellPreference, true},
		{"policy by key", "Reviews happen daily.", policy, model.CellPolicy, true},
		{"policy beats fact", "The limit is ten.", policy, model.CellPolicy, true},
		{"fact", "The limit is ten.", agent, model.CellFact, true},
		{"rule word boundary", "Shoulder season arrives.", agent, "", false},
		{"long fact rejected", "The note is " + strings.Repeat("x", MaxFactLength) + ".", agent, "", false},
		{"nothing", "Ran the tests.", agent, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classify(DefaultMatchers, tt.sentence, tt.exp)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestContradicts(t *testing.T) {
	assert.True(t, contradicts(
		"The API timeout is 30 seconds.", "The API timeout is 30 seconds.",
		"The API timeout is not 30 seconds.", "The API timeout is not 30 seconds."))
	assert.False(t, contradicts(
		"The API is not slow.", "The API is not slow.",
		"The API is not fast.", "The API is not fast."), "both negated")
	assert.False(t, contradicts(
		"Cats purr.", "Cats purr.",
		"Dogs do not purr.", "Dogs do not purr."), "too few shared words")
	assert.False(t, contradicts(
		"The knot is tight.", "The knot is tight.",
		"The knot is loose.", "The knot is loose."), "not must be a standalone word")
}

func TestNextState(t *testing.T) {
	tests := []struct {
		name string
		cell model.Cell
		want string
	}{
		{"unverified gains evidence", model.Cell{State: model.StateUnverified, EvidenceCount: 1}, model.StateObserved},
		{"unverified without evidence", model.Cell{State: model.StateUnverified}, model.StateUnverified},
		{"observed reinforced", model.Cell{State: model.StateObserved, EvidenceCount: 2}, model.StateReinforced},
		{"observed contradicted once", model.Cell{State: model.StateObserved, EvidenceCount: 2, ContradictionCount: 1}, model.StateObserved},
		{"reinforced stable", model.Cell{State: model.StateReinforced, EvidenceCount: 3}, model.StateStable},
		{"stable contradicted twice", model.Cell{State: model.StateStable, EvidenceCount: 9, ContradictionCount: 2}, model.StateDecaying},
		{"decaying stays", model.Cell{State: model.StateDecaying, EvidenceCount: 9, ContradictionCount: 5}, model.StateDecaying},
		{"archived stays", model.Cell{State: model.StateArchived, ContradictionCount: 5}, model.StateArchived},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextState(tt.cell))
		})
	}
}
