package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCallHistoryRepository keeps one row per call with the record as
// JSONB and the end time as a sortable column.
type PostgresCallHistoryRepository struct {
	pool       *pgxpool.Pool
	maxRecords int
}

func NewPostgresCallHistoryRepository(pool *pgxpool.Pool, maxRecords int) ports.CallHistoryRepository {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &PostgresCallHistoryRepository{
		pool:       pool,
		maxRecords: maxRecords,
	}
}

const (
	upsertCall = `
INSERT INTO call_history (call_id, ended_at, record)
VALUES ($1, $2, $3)
ON CONFLICT (call_id) DO UPDATE SET ended_at = EXCLUDED.ended_at, record = EXCLUDED.record`

	trimCalls = `
DELETE FROM call_history
WHERE call_id IN (SELECT call_id FROM call_history ORDER BY ended_at DESC OFFSET $1)`

	selectCall   = `SELECT record FROM call_history WHERE call_id = $1`
	selectRecent = `SELECT record FROM call_history ORDER BY ended_at DESC LIMIT $1`
)

func (r *PostgresCallHistoryRepository) Save(ctx context.Context, record *domain.CallRecord) error {
	if record.CallID == "" {
		return domain.ErrCallNotFound
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertCall, string(record.CallID), record.EndedAt, data); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, trimCalls, r.maxRecords)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to save call record in Postgres: %w", err)
	}
	return nil
}

func (r *PostgresCallHistoryRepository) GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	var data []byte
	err := r.pool.QueryRow(ctx, selectCall, string(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record from Postgres: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

func (r *PostgresCallHistoryRepository) Recent(ctx context.Context, limit int) ([]*domain.CallRecord, error) {
	rows, err := r.pool.Query(ctx, selectRecent, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.CallRecord, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		var record domain.CallRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
		}
		return &record, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read recent calls: %w", err)
	}
	return records, nil
}

// limitArg maps a non-positive limit to NULL, which Postgres treats as
// LIMIT ALL.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
