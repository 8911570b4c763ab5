package v1

import "time"

// Turn is one unit of delegated work to one agent role.
type Turn struct {
	TurnID         int               `json:"turn_id"`
	Role           AgentRole         `json:"role"`
	PromptTemplate string            `json:"prompt_template"`
	Inputs         map[string]string `json:"inputs,omitempty"`
	RequiredLeases []string          `json:"required_leases,omitempty"`
	TimeoutMs      uint32            `json:"timeout_ms"`

	// DependsOn lists turn ids that must complete first. Empty means the
	// turn depends on its predecessor (linear default).
	DependsOn []int `json:"depends_on,omitempty"`
}

// Timeout returns the turn budget as a duration.
func (t *Turn) Timeout() time.Duration { return time.Duration(t.TimeoutMs) * time.Millisecond }

// Runbook is an ordered sequence of turns executed within one epoch.
// Immutable after parse.
type Runbook struct {
	Name  string `json:"name"`
	Epoch string `json:"epoch"`
	Turns []Turn `json:"turns"`
}

// RunbookSummary is the response to load_runbook.
type RunbookSummary struct {
	Name      string `json:"name"`
	Epoch     string `json:"epoch"`
	TurnCount int    `json:"turn_count"`
}

// TurnState is the terminal state of one executed turn.
type TurnState string

const (
	TurnStateCompleted TurnState = "COMPLETED"
	TurnStateFailed    TurnState = "FAILED"
	TurnStateCancelled TurnState = "CANCELLED"
)

// TurnSummary records the outcome of one turn.
type TurnSummary struct {
	TurnID      int       `json:"turn_id" yaml:"turn_id"`
	Role        AgentRole `json:"role" yaml:"role"`
	AgentID     AgentID   `json:"agent_id" yaml:"agent_id"`
	State       TurnState `json:"state" yaml:"state"`
	FailureKind string    `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
	OutputLines int       `json:"output_lines" yaml:"output_lines"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	EndedAt     time.Time `json:"ended_at" yaml:"ended_at"`
	Artifacts   []string  `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// Session is the append-only record of one runbook execution.
type Session struct {
	EpochID       string        `json:"epoch_id"`
	Runbook       string        `json:"runbook"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	TurnSummaries []TurnSummary `json:"turn_summaries"`
	Artifacts     []string      `json:"artifacts,omitempty"`
}
