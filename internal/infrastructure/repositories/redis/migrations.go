package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix            = "callcore:"
	schemaVersionKey     = keyPrefix + "schema:version"
	recentCallsKey       = keyPrefix + "calls:recent"
	currentSchemaVersion = 2
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
	Down    func(ctx context.Context, client *redis.Client) error
}

// Migrate brings the key layout up to currentSchemaVersion. Each applied
// step records its version so a crash mid-way resumes where it stopped.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	version, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		return nil
	}

	for _, m := range getMigrations() {
		if m.Version <= version {
			continue
		}
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := setSchemaVersion(ctx, client, m.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		if logger != nil {
			logger.Infow("redis migration applied", "version", m.Version)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

// getMigrations returns all migrations in order
func getMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				// Version 1 only introduced the version key.
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, schemaVersionKey).Err()
			},
		},
		{
			Version: 2,
			Up: func(ctx context.Context, client *redis.Client) error {
				// Drop a recent-calls index left as the wrong type by an
				// older build so ZADD does not fail with WRONGTYPE.
				kind, err := client.Type(ctx, recentCallsKey).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "zset" {
					return client.Del(ctx, recentCallsKey).Err()
				}
				return nil
			},
			Down: func(ctx context.Context, client *redis.Client) error {
				return client.Del(ctx, recentCallsKey).Err()
			},
		},
	}
}
