package v1

import "time"

// ExecutionEventType tags the execution event union.
type ExecutionEventType string

const (
	EventRunbookStarted   ExecutionEventType = "RUNBOOK_STARTED"
	EventTurnStarted      ExecutionEventType = "TURN_STARTED"
	EventTurnProgress     ExecutionEventType = "TURN_PROGRESS"
	EventTurnCompleted    ExecutionEventType = "TURN_COMPLETED"
	EventTurnFailed       ExecutionEventType = "TURN_FAILED"
	EventRunbookCompleted ExecutionEventType = "RUNBOOK_COMPLETED"
	EventRunbookFailed    ExecutionEventType = "RUNBOOK_FAILED"

	// Escalation surfaced to the human director; execution of the affected
	// turn pauses until it is resolved.
	EventEscalation ExecutionEventType = "ESCALATION"
)

// ExecutionEvent is broadcast to any number of subscribers. Slow subscribers
// may lose intermediate events; terminal events are never dropped.
type ExecutionEvent struct {
	Type       ExecutionEventType `json:"type"`
	EpochID    string             `json:"epoch_id"`
	TurnID     int                `json:"turn_id,omitempty"`
	AgentID    AgentID            `json:"agent_id,omitempty"`
	Summary    *TurnSummary       `json:"summary,omitempty"`
	Escalation *Escalation        `json:"escalation,omitempty"`
	Error      string             `json:"error,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Terminal reports whether the event must reach every subscriber.
func (e *ExecutionEvent) Terminal() bool {
	switch e.Type {
	case EventTurnCompleted, EventTurnFailed, EventRunbookCompleted, EventRunbookFailed:
		return true
	}
	return false
}
