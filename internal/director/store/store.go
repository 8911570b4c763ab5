// Package store persists sessions and turn summaries so UI shells can list
// history without parsing journals. The journal file remains the source of
// truth for replay.
package store

import (
	"context"
	"errors"
	"time"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the session persistence contract.
type Store interface {
	// SaveSession inserts a new session row at runbook start.
	SaveSession(ctx context.Context, session *v1.Session) error

	// FinishSession stamps the session end time.
	FinishSession(ctx context.Context, epochID string, end time.Time) error

	// SaveTurnSummary appends one turn outcome.
	SaveTurnSummary(ctx context.Context, epochID string, summary *v1.TurnSummary) error

	// GetSession loads one session with its turn summaries.
	GetSession(ctx context.Context, epochID string) (*v1.Session, error)

	// ListSessions returns all sessions, most recent first, without
	// turn summaries.
	ListSessions(ctx context.Context) ([]*v1.Session, error)

	// Close releases the underlying connections.
	Close() error
}
