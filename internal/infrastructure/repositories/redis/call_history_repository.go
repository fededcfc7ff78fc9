package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

// RedisCallHistoryRepository stores one JSON document per call and a sorted
// set of call ids scored by end time.
type RedisCallHistoryRepository struct {
	client     *redis.Client
	prefix     string
	maxRecords int
}

func NewRedisCallHistoryRepository(client *redis.Client, maxRecords int) ports.CallHistoryRepository {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &RedisCallHistoryRepository{
		client:     client,
		prefix:     keyPrefix + "call:",
		maxRecords: maxRecords,
	}
}

func (r *RedisCallHistoryRepository) callKey(id domain.CallID) string {
	return r.prefix + string(id)
}

func (r *RedisCallHistoryRepository) recentKey() string {
	return recentCallsKey
}

// trace opens a db span; the returned func closes it with the final error.
func (r *RedisCallHistoryRepository) trace(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, op, "call_history")
	start := time.Now()
	return ctx, func(errp *error) {
		tracing.MeasureDuration(ctx, start, "call_history."+op)
		if *errp != nil && !errors.Is(*errp, domain.ErrCallNotFound) {
			tracing.RecordError(ctx, *errp)
		}
		span.End()
	}
}

func (r *RedisCallHistoryRepository) Save(ctx context.Context, record *domain.CallRecord) (err error) {
	ctx, done := r.trace(ctx, "save")
	defer done(&err)

	if record.CallID == "" {
		return domain.ErrCallNotFound
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal call record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.callKey(record.CallID), data, 0)
		pipe.ZAdd(ctx, r.recentKey(), redis.Z{
			Score:  float64(record.EndedAt.UnixNano()),
			Member: string(record.CallID),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save call record in Redis: %w", err)
	}

	return r.trim(ctx)
}

// trim drops the oldest records beyond maxRecords.
func (r *RedisCallHistoryRepository) trim(ctx context.Context) error {
	count, err := r.client.ZCard(ctx, r.recentKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to count call records: %w", err)
	}
	excess := count - int64(r.maxRecords)
	if excess <= 0 {
		return nil
	}

	stale, err := r.client.ZRange(ctx, r.recentKey(), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("failed to list stale call records: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range stale {
			pipe.Del(ctx, r.callKey(domain.CallID(id)))
		}
		pipe.ZRemRangeByRank(ctx, r.recentKey(), 0, excess-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to trim call records: %w", err)
	}
	return nil
}

func (r *RedisCallHistoryRepository) GetByID(ctx context.Context, id domain.CallID) (_ *domain.CallRecord, err error) {
	ctx, done := r.trace(ctx, "get")
	defer done(&err)

	data, err := r.client.Get(ctx, r.callKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record from Redis: %w", err)
	}

	var record domain.CallRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call record: %w", err)
	}
	return &record, nil
}

func (r *RedisCallHistoryRepository) Recent(ctx context.Context, limit int) (_ []*domain.CallRecord, err error) {
	ctx, done := r.trace(ctx, "recent")
	defer done(&err)

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.client.ZRevRange(ctx, r.recentKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recent calls: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.CallRecord{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.callKey(domain.CallID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call records from Redis: %w", err)
	}

	records := make([]*domain.CallRecord, 0, len(values))
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var record domain.CallRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			continue
		}
		records = append(records, &record)
	}
	return records, nil
}
