package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable-store implementation backing Checkpoint
// records (spec.md §6 `checkpoints` table). No sqlc-generated query layer
// is available for this rewrite, so statements are issued directly through
// pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool. The caller owns pool lifecycle.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, c Checkpoint) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint data: %w", err)
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (checkpoint_id, entity_type, entity_id, timestamp, data, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.CheckpointID, c.EntityType, c.EntityID, c.Timestamp, data, meta)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatest(ctx context.Context, entityID string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT checkpoint_id, entity_type, entity_id, timestamp, data, metadata
		FROM checkpoints
		WHERE entity_id = $1
		ORDER BY timestamp DESC, checkpoint_id DESC
		LIMIT 1
	`, entityID)
	return scanOptionalCheckpoint(row)
}

func (s *PostgresStore) GetByID(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT checkpoint_id, entity_type, entity_id, timestamp, data, metadata
		FROM checkpoints
		WHERE checkpoint_id = $1
	`, checkpointID)
	return scanOptionalCheckpoint(row)
}

func (s *PostgresStore) GetForEntity(ctx context.Context, entityID string, limit int, since *time.Time) ([]Checkpoint, error) {
	var rows pgx.Rows
	var err error

	if since != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT checkpoint_id, entity_type, entity_id, timestamp, data, metadata
			FROM checkpoints
			WHERE entity_id = $1 AND timestamp >= $2
			ORDER BY timestamp DESC, checkpoint_id DESC
			LIMIT $3
		`, entityID, *since, limitOrDefault(limit))
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT checkpoint_id, entity_type, entity_id, timestamp, data, metadata
			FROM checkpoints
			WHERE entity_id = $1
			ORDER BY timestamp DESC, checkpoint_id DESC
			LIMIT $2
		`, entityID, limitOrDefault(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints for entity: %w", err)
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func (s *PostgresStore) GetByType(ctx context.Context, entityType string, limit int) ([]Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT checkpoint_id, entity_type, entity_id, timestamp, data, metadata
		FROM checkpoints
		WHERE entity_type = $1
		ORDER BY timestamp DESC, checkpoint_id DESC
		LIMIT $2
	`, entityType, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints by type: %w", err)
	}
	defer rows.Close()
	return scanCheckpoints(rows)
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, entityID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE entity_id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("deleting checkpoints for entity: %w", err)
	}
	return nil
}

// PruneEntity deletes every checkpoint for entityID beyond the newest keep,
// ordered by timestamp descending with checkpoint_id as the tiebreaker.
func (s *PostgresStore) PruneEntity(ctx context.Context, entityID string, keep int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM checkpoints
		WHERE entity_id = $1
		AND checkpoint_id NOT IN (
			SELECT checkpoint_id FROM checkpoints
			WHERE entity_id = $1
			ORDER BY timestamp DESC, checkpoint_id DESC
			LIMIT $2
		)
	`, entityID, keep)
	if err != nil {
		return fmt.Errorf("pruning checkpoints for entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting aged checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOptionalCheckpoint(row rowScanner) (*Checkpoint, error) {
	var c Checkpoint
	var data, meta []byte

	err := row.Scan(&c.CheckpointID, &c.EntityType, &c.EntityID, &c.Timestamp, &data, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}

	if err := unmarshalMap(data, &c.Data); err != nil {
		return nil, err
	}
	if err := unmarshalMap(meta, &c.Metadata); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCheckpoints(rows pgx.Rows) ([]Checkpoint, error) {
	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		var data, meta []byte
		if err := rows.Scan(&c.CheckpointID, &c.EntityType, &c.EntityID, &c.Timestamp, &data, &meta); err != nil {
			return nil, fmt.Errorf("scanning checkpoint row: %w", err)
		}
		if err := unmarshalMap(data, &c.Data); err != nil {
			return nil, err
		}
		if err := unmarshalMap(meta, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoint rows: %w", err)
	}
	return out, nil
}

func unmarshalMap(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshaling checkpoint json: %w", err)
	}
	return nil
}
