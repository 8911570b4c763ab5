package runbook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/liminal/liminal/internal/common/errors"
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

const validRunbook = `runbook: refactor-api
epoch: epoch-42

turn 1:
  role: systems
  timeout_ms: 60000
  leases: [src/api.ts, src/db.ts]
  prompt: |
    Refactor the API layer.
    Keep behavior identical.

turn 2:
  role: interface
  timeout_ms: 30000
  leases: []
  prompt: |
    Update the UI bindings for {{.Inputs.component}}.
`

func TestParseValidRunbook(t *testing.T) {
	rb, err := Parse(strings.NewReader(validRunbook))
	require.NoError(t, err)

	assert.Equal(t, "refactor-api", rb.Name)
	assert.Equal(t, "epoch-42", rb.Epoch)
	require.Len(t, rb.Turns, 2)

	first := rb.Turns[0]
	assert.Equal(t, 1, first.TurnID)
	assert.Equal(t, v1.AgentRole("systems"), first.Role)
	assert.Equal(t, uint32(60000), first.TimeoutMs)
	assert.Equal(t, []string{"src/api.ts", "src/db.ts"}, first.RequiredLeases)
	assert.Equal(t, "Refactor the API layer.\nKeep behavior identical.", first.PromptTemplate)

	second := rb.Turns[1]
	assert.Equal(t, 2, second.TurnID)
	assert.Empty(t, second.RequiredLeases)
	assert.Contains(t, second.PromptTemplate, "{{.Inputs.component}}")
}

func TestParseDependencies(t *testing.T) {
	input := `runbook: parallel
turn 1:
  role: systems
  prompt: |
    one
turn 2:
  role: research
  prompt: |
    two
turn 3:
  role: interface
  after: [1, 2]
  prompt: |
    three
`
	rb, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rb.Turns[2].DependsOn)
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	input := "runbook: x\nbudget: 12\nturn 1:\n  role: systems\n  prompt: |\n    p\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Equal(t, apperrors.KindParse, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "budget")
}

func TestParseRejectsUnknownTurnKey(t *testing.T) {
	input := "runbook: x\nturn 1:\n  role: systems\n  retries: 3\n  prompt: |\n    p\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestParseRejectsOutOfOrderTurns(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"starts at two", "runbook: x\nturn 2:\n  role: systems\n  prompt: |\n    p\n"},
		{"gap", "runbook: x\nturn 1:\n  role: systems\n  prompt: |\n    p\nturn 3:\n  role: systems\n  prompt: |\n    p\n"},
		{"zero", "runbook: x\nturn 0:\n  role: systems\n  prompt: |\n    p\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Equal(t, apperrors.KindParse, apperrors.KindOf(err))
		})
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no name", "turn 1:\n  role: systems\n  prompt: |\n    p\n"},
		{"no turns", "runbook: x\n"},
		{"no role", "runbook: x\nturn 1:\n  prompt: |\n    p\n"},
		{"no prompt", "runbook: x\nturn 1:\n  role: systems\n"},
		{"inline prompt", "runbook: x\nturn 1:\n  role: systems\n  prompt: do it\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.Error(t, err)
		})
	}
}

func TestParseRejectsForwardDependency(t *testing.T) {
	input := "runbook: x\nturn 1:\n  role: systems\n  after: [1]\n  prompt: |\n    p\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency")
}

func TestParseRejectsDuplicateKeys(t *testing.T) {
	input := "runbook: x\nturn 1:\n  role: systems\n  role: research\n  prompt: |\n    p\n"
	_, err := Parse(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParseListForms(t *testing.T) {
	items, err := parseList("[a, b , c]")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	items, err = parseList("[]")
	require.NoError(t, err)
	assert.Nil(t, items)

	_, err = parseList("a, b")
	require.Error(t, err)

	_, err = parseList("[a,,b]")
	require.Error(t, err)
}
