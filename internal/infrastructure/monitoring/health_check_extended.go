package monitoring

import (
	"context"
	"time"

	"callcore/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings Redis.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// Connectivity is satisfied by ports.SignalingChannel.
type Connectivity interface {
	Connected() bool
}

// AddSignalingCheck reports whether the signaling channel is connected.
func (h *HealthChecker) AddSignalingCheck(channel Connectivity, interval, timeout time.Duration) {
	h.AddCheck("signaling", func(ctx context.Context) error {
		if !channel.Connected() {
			return errSignalingDisconnected
		}
		return nil
	}, interval, timeout)
}

// AddHistoryCheck reads the most recent call record.
func (h *HealthChecker) AddHistoryCheck(repo ports.CallHistoryRepository, interval, timeout time.Duration) {
	h.AddCheck("history", func(ctx context.Context) error {
		_, err := repo.Recent(ctx, 1)
		return err
	}, interval, timeout)
}

// IsReady reports whether every dependency is healthy right now.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Healthy()
}
