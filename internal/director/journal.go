package director

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// Journal record types.
const (
	recordRunbookStarted   = "runbook_started"
	recordTurnStarted      = "turn_started"
	recordLeaseGranted     = "lease_granted"
	recordLeaseReleased    = "lease_released"
	recordTurnCompleted    = "turn_completed"
	recordTurnFailed       = "turn_failed"
	recordRunbookCompleted = "runbook_completed"
	recordRunbookFailed    = "runbook_failed"
)

// Record is one journal entry, one JSON object per line.
type Record struct {
	Type     string          `json:"type"`
	At       time.Time       `json:"at"`
	EpochID  string          `json:"epoch_id,omitempty"`
	Runbook  string          `json:"runbook,omitempty"`
	TurnID   int             `json:"turn_id,omitempty"`
	AgentID  v1.AgentID      `json:"agent_id,omitempty"`
	Resource string          `json:"resource,omitempty"`
	Lease    *v1.Lease       `json:"lease,omitempty"`
	Summary  *v1.TurnSummary `json:"summary,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Journal is the append-only session log. Turn and runbook transitions are
// appended before their execution event is broadcast; lease changes are
// appended after the territory manager has applied them. Replay restores
// territory state and reports which turns completed.
type Journal struct {
	mu   sync.Mutex
	file *os.File
}

// OpenJournal opens (or creates) the journal file for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	return &Journal{file: f}, nil
}

// Append writes one record and syncs it to disk.
func (j *Journal) Append(rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("cannot append journal record: %w", err)
	}
	return j.file.Sync()
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ReplayResult is the state recovered from a journal.
type ReplayResult struct {
	EpochID   string
	Runbook   string
	Leases    []v1.Lease // granted and never released before the log ended
	Summaries []v1.TurnSummary
	Completed bool
	Failed    bool
}

// Replay reads a journal and reduces it to the final session state.
// Replaying a completed session is idempotent: the same file always
// reproduces the same summaries.
func Replay(path string) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{}
	leases := make(map[string]v1.Lease)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("journal line %d: %w", lineNo, err)
		}

		switch rec.Type {
		case recordRunbookStarted:
			result.EpochID = rec.EpochID
			result.Runbook = rec.Runbook
		case recordLeaseGranted:
			if rec.Lease != nil {
				leases[rec.Lease.Resource] = *rec.Lease
			}
		case recordLeaseReleased:
			delete(leases, rec.Resource)
		case recordTurnCompleted, recordTurnFailed:
			if rec.Summary != nil {
				result.Summaries = append(result.Summaries, *rec.Summary)
			}
		case recordRunbookCompleted:
			result.Completed = true
		case recordRunbookFailed:
			result.Failed = true
		case recordTurnStarted:
			// informational only
		default:
			return nil, fmt.Errorf("journal line %d: unknown record type %q", lineNo, rec.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal read error: %w", err)
	}

	for _, lease := range leases {
		result.Leases = append(result.Leases, lease)
	}
	return result, nil
}
