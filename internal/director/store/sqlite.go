package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	epoch_id   TEXT PRIMARY KEY,
	runbook    TEXT NOT NULL,
	start_time TIMESTAMP NOT NULL,
	end_time   TIMESTAMP
);

CREATE TABLE IF NOT EXISTS turn_summaries (
	epoch_id     TEXT NOT NULL REFERENCES sessions(epoch_id),
	turn_id      INTEGER NOT NULL,
	role         TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	state        TEXT NOT NULL,
	failure_kind TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	output_lines INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMP NOT NULL,
	ended_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (epoch_id, turn_id)
);

CREATE INDEX IF NOT EXISTS idx_turn_summaries_epoch ON turn_summaries(epoch_id);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens the SQLite database and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sessionRow struct {
	EpochID   string       `db:"epoch_id"`
	Runbook   string       `db:"runbook"`
	StartTime time.Time    `db:"start_time"`
	EndTime   sql.NullTime `db:"end_time"`
}

type summaryRow struct {
	EpochID     string    `db:"epoch_id"`
	TurnID      int       `db:"turn_id"`
	Role        string    `db:"role"`
	AgentID     string    `db:"agent_id"`
	State       string    `db:"state"`
	FailureKind string    `db:"failure_kind"`
	Error       string    `db:"error"`
	OutputLines int       `db:"output_lines"`
	StartedAt   time.Time `db:"started_at"`
	EndedAt     time.Time `db:"ended_at"`
}

func (r sessionRow) toSession() *v1.Session {
	session := &v1.Session{
		EpochID:   r.EpochID,
		Runbook:   r.Runbook,
		StartTime: r.StartTime,
	}
	if r.EndTime.Valid {
		end := r.EndTime.Time
		session.EndTime = &end
	}
	return session
}

func (r summaryRow) toSummary() v1.TurnSummary {
	return v1.TurnSummary{
		TurnID:      r.TurnID,
		Role:        v1.AgentRole(r.Role),
		AgentID:     v1.AgentID(r.AgentID),
		State:       v1.TurnState(r.State),
		FailureKind: r.FailureKind,
		Error:       r.Error,
		OutputLines: r.OutputLines,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
	}
}

// SaveSession inserts a new session row.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *v1.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (epoch_id, runbook, start_time) VALUES (?, ?, ?)`,
		session.EpochID, session.Runbook, session.StartTime)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FinishSession stamps the session end time.
func (s *SQLiteStore) FinishSession(ctx context.Context, epochID string, end time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ? WHERE epoch_id = ?`, end, epochID)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTurnSummary appends one turn outcome.
func (s *SQLiteStore) SaveTurnSummary(ctx context.Context, epochID string, summary *v1.TurnSummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_summaries
			(epoch_id, turn_id, role, agent_id, state, failure_kind, error, output_lines, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (epoch_id, turn_id) DO UPDATE SET
			state = excluded.state,
			failure_kind = excluded.failure_kind,
			error = excluded.error,
			output_lines = excluded.output_lines,
			ended_at = excluded.ended_at`,
		epochID, summary.TurnID, string(summary.Role), string(summary.AgentID),
		string(summary.State), summary.FailureKind, summary.Error,
		summary.OutputLines, summary.StartedAt, summary.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn summary: %w", err)
	}
	return nil
}

// GetSession loads one session with its turn summaries.
func (s *SQLiteStore) GetSession(ctx context.Context, epochID string) (*v1.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT epoch_id, runbook, start_time, end_time FROM sessions WHERE epoch_id = ?`, epochID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var summaryRows []summaryRow
	err = s.db.SelectContext(ctx, &summaryRows, `
		SELECT epoch_id, turn_id, role, agent_id, state, failure_kind, error, output_lines, started_at, ended_at
		FROM turn_summaries WHERE epoch_id = ? ORDER BY turn_id`, epochID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turn summaries: %w", err)
	}

	session := row.toSession()
	for _, sr := range summaryRows {
		session.TurnSummaries = append(session.TurnSummaries, sr.toSummary())
	}
	return session, nil
}

// ListSessions returns all sessions, most recent first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT epoch_id, runbook, start_time, end_time FROM sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]*v1.Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, row.toSession())
	}
	return sessions, nil
}

var _ Store = (*SQLiteStore)(nil)
