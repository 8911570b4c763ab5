package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	epoch_id   TEXT PRIMARY KEY,
	runbook    TEXT NOT NULL,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ
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
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (epoch_id, turn_id)
);
`

// PostgresStore implements Store on a PostgreSQL pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveSession inserts a new session row.
func (s *PostgresStore) SaveSession(ctx context.Context, session *v1.Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (epoch_id, runbook, start_time) VALUES ($1, $2, $3)`,
		session.EpochID, session.Runbook, session.StartTime)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// FinishSession stamps the session end time.
func (s *PostgresStore) FinishSession(ctx context.Context, epochID string, end time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET end_time = $1 WHERE epoch_id = $2`, end, epochID)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTurnSummary appends one turn outcome.
func (s *PostgresStore) SaveTurnSummary(ctx context.Context, epochID string, summary *v1.TurnSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turn_summaries
			(epoch_id, turn_id, role, agent_id, state, failure_kind, error, output_lines, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (epoch_id, turn_id) DO UPDATE SET
			state = EXCLUDED.state,
			failure_kind = EXCLUDED.failure_kind,
			error = EXCLUDED.error,
			output_lines = EXCLUDED.output_lines,
			ended_at = EXCLUDED.ended_at`,
		epochID, summary.TurnID, string(summary.Role), string(summary.AgentID),
		string(summary.State), summary.FailureKind, summary.Error,
		summary.OutputLines, summary.StartedAt, summary.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to insert turn summary: %w", err)
	}
	return nil
}

// GetSession loads one session with its turn summaries.
func (s *PostgresStore) GetSession(ctx context.Context, epochID string) (*v1.Session, error) {
	session := &v1.Session{}
	var end *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT epoch_id, runbook, start_time, end_time FROM sessions WHERE epoch_id = $1`, epochID).
		Scan(&session.EpochID, &session.Runbook, &session.StartTime, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	session.EndTime = end

	rows, err := s.pool.Query(ctx, `
		SELECT turn_id, role, agent_id, state, failure_kind, error, output_lines, started_at, ended_at
		FROM turn_summaries WHERE epoch_id = $1 ORDER BY turn_id`, epochID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turn summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var summary v1.TurnSummary
		var role, agentID, state string
		if err := rows.Scan(&summary.TurnID, &role, &agentID, &state,
			&summary.FailureKind, &summary.Error, &summary.OutputLines,
			&summary.StartedAt, &summary.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn summary: %w", err)
		}
		summary.Role = v1.AgentRole(role)
		summary.AgentID = v1.AgentID(agentID)
		summary.State = v1.TurnState(state)
		session.TurnSummaries = append(session.TurnSummaries, summary)
	}
	return session, rows.Err()
}

// ListSessions returns all sessions, most recent first.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT epoch_id, runbook, start_time, end_time FROM sessions ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*v1.Session
	for rows.Next() {
		session := &v1.Session{}
		var end *time.Time
		if err := rows.Scan(&session.EpochID, &session.Runbook, &session.StartTime, &end); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		session.EndTime = end
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
