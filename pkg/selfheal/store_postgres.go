package selfheal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable-store implementation backing
// FailedAgentRecord, RecoveryAttempt, and Escalation (spec.md §6
// `failed_agents`, `recovery_attempts`, `escalation_events` tables).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The caller owns pool lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveFailedAgent(ctx context.Context, rec FailedAgentRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO failed_agents (agent_id, team_id, detection_source, failed_at, retry_count, last_error, recovered, escalated)
		VALUES ($1, $2, $3, $4, $5, $6, false, false)
		ON CONFLICT (agent_id) WHERE recovered = false AND escalated = false
		DO UPDATE SET retry_count = EXCLUDED.retry_count, last_error = EXCLUDED.last_error
	`, rec.AgentID, rec.TeamID, rec.DetectionSource, rec.FailedAt, rec.RetryCount, rec.LastError)
	if err != nil {
		return fmt.Errorf("saving failed agent record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveFailedAgent(ctx context.Context, agentID string) (*FailedAgentRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, team_id, detection_source, failed_at, retry_count, last_error, recovered, escalated
		FROM failed_agents
		WHERE agent_id = $1 AND recovered = false AND escalated = false
	`, agentID)

	var rec FailedAgentRecord
	err := row.Scan(&rec.AgentID, &rec.TeamID, &rec.DetectionSource, &rec.FailedAt, &rec.RetryCount, &rec.LastError, &rec.Recovered, &rec.Escalated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning failed agent record: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) CloseFailedAgent(ctx context.Context, agentID string, recovered bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE failed_agents SET recovered = $2
		WHERE agent_id = $1 AND recovered = false AND escalated = false
	`, agentID, recovered)
	if err != nil {
		return fmt.Errorf("closing failed agent record: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendRecoveryAttempt(ctx context.Context, attempt RecoveryAttempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO recovery_attempts (agent_id, attempt, timestamp, strategy, success, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attempt.AgentID, attempt.Attempt, attempt.Timestamp, attempt.Strategy, attempt.Success, attempt.DurationMs, attempt.Error)
	if err != nil {
		return fmt.Errorf("appending recovery attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentAttempts(ctx context.Context, agentID string, n int) ([]RecoveryAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, attempt, timestamp, strategy, success, duration_ms, error
		FROM recovery_attempts
		WHERE agent_id = $1
		ORDER BY timestamp DESC, attempt DESC
		LIMIT $2
	`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("querying recovery attempts: %w", err)
	}
	defer rows.Close()

	var out []RecoveryAttempt
	for rows.Next() {
		var a RecoveryAttempt
		if err := rows.Scan(&a.AgentID, &a.Attempt, &a.Timestamp, &a.Strategy, &a.Success, &a.DurationMs, &a.Error); err != nil {
			return nil, fmt.Errorf("scanning recovery attempt row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recovery attempt rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveEscalation(ctx context.Context, esc Escalation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO escalation_events (agent_id, team_id, reason, retry_count, suggested_action, handled, handled_by)
		VALUES ($1, $2, $3, $4, $5, false, '')
	`, esc.AgentID, esc.TeamID, esc.Reason, esc.RetryCount, esc.SuggestedAction)
	if err != nil {
		return fmt.Errorf("saving escalation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveEscalation(ctx context.Context, agentID string) (*Escalation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, team_id, reason, retry_count, suggested_action, handled, handled_by
		FROM escalation_events
		WHERE agent_id = $1 AND handled = false
		ORDER BY timestamp DESC
		LIMIT 1
	`, agentID)

	var esc Escalation
	err := row.Scan(&esc.AgentID, &esc.TeamID, &esc.Reason, &esc.RetryCount, &esc.SuggestedAction, &esc.Handled, &esc.HandledBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning escalation: %w", err)
	}
	return &esc, nil
}

func (s *PostgresStore) MarkEscalationHandled(ctx context.Context, agentID, handledBy string, action *SuggestedAction) error {
	actionVal := ""
	if action != nil {
		actionVal = string(*action)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE escalation_events
		SET handled = true, handled_by = $2, suggested_action = COALESCE(NULLIF($3, ''), suggested_action)
		WHERE agent_id = $1 AND handled = false
	`, agentID, handledBy, actionVal)
	if err != nil {
		return fmt.Errorf("marking escalation handled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no active escalation for agent %s", agentID)
	}
	return nil
}
