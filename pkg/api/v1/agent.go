package v1

import "time"

// AgentID is the opaque stable identifier assigned to an agent at spawn time.
// It is immutable for the agent's lifetime.
type AgentID string

// Director is the reserved sender/recipient identity of the top-level
// coordinator. It is never assigned to a spawned agent.
const Director AgentID = "director"

// AgentRole selects which prompt template and working directory a turn uses.
// Many agents may share a role.
type AgentRole string

const (
	RoleSystems   AgentRole = "systems"
	RoleInterface AgentRole = "interface"
	RoleResearch  AgentRole = "research"
	RoleDirector  AgentRole = "director"
)

// CustomRole builds a role outside the closed set.
func CustomRole(name string) AgentRole { return AgentRole("custom:" + name) }

// AgentStatus represents the lifecycle status of a hosted agent process.
type AgentStatus string

const (
	AgentStatusIdle         AgentStatus = "IDLE"
	AgentStatusSpawning     AgentStatus = "SPAWNING"
	AgentStatusReady        AgentStatus = "READY"
	AgentStatusExecuting    AgentStatus = "EXECUTING"
	AgentStatusCompleted    AgentStatus = "COMPLETED"
	AgentStatusFailed       AgentStatus = "FAILED"
	AgentStatusShuttingDown AgentStatus = "SHUTTING_DOWN"
	AgentStatusError        AgentStatus = "ERROR"
)

// Terminal reports whether the status is terminal for the agent.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusFailed || s == AgentStatusError || s == AgentStatusShuttingDown
}

// ResourceLimits defines the caps applied to a spawned agent child.
// Full enforcement requires the container runtime; the local PTY runtime
// records the request and enforces the scrollback cap only.
type ResourceLimits struct {
	MemoryBytes int64    `json:"memory_bytes,omitempty"`
	CPUShares   int64    `json:"cpu_shares,omitempty"`
	DenyNetwork bool     `json:"deny_network,omitempty"`
	ReadPaths   []string `json:"read_paths,omitempty"`
}

// AgentEventType tags events emitted by the process host.
type AgentEventType string

const (
	AgentEventSpawned    AgentEventType = "SPAWNED"
	AgentEventReady      AgentEventType = "READY"
	AgentEventOutputLine AgentEventType = "OUTPUT_LINE"
	AgentEventExited     AgentEventType = "EXITED"
	AgentEventCrashed    AgentEventType = "CRASHED"
)

// AgentEvent is a structured lifecycle or output event for one agent.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	AgentID   AgentID        `json:"agent_id"`
	Role      AgentRole      `json:"role,omitempty"`
	Line      string         `json:"line,omitempty"`   // OUTPUT_LINE
	ExitCode  int            `json:"exit_code"`        // EXITED
	Signal    string         `json:"signal,omitempty"` // CRASHED
	Timestamp time.Time      `json:"timestamp"`
}

// AgentInfo is a point-in-time view of one hosted agent.
type AgentInfo struct {
	ID         AgentID        `json:"id"`
	Role       AgentRole      `json:"role"`
	Status     AgentStatus    `json:"status"`
	PID        int            `json:"pid,omitempty"`
	WorkingDir string         `json:"working_dir"`
	Limits     ResourceLimits `json:"limits"`
	SpawnedAt  time.Time      `json:"spawned_at"`
}
