package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"callcore/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("idle")))

	c.SetSessionStatus(domain.StatusActive)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionStatus.WithLabelValues("active")))

	c.RecordCallEnded(domain.OutcomeCompleted, 42*time.Second)
	c.RecordCallEnded(domain.OutcomeNoAnswer, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsTotal.WithLabelValues("no-answer")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.callDuration))

	c.SetQualityTier(domain.TierMedium)
	assert.Equal(t, float64(domain.TierMedium), testutil.ToFloat64(c.qualityTier))

	c.IncICERestarts()
	c.IncRelayFallbacks()
	c.IncSignalingMessage("outbound", domain.EventInitiateCall)
	c.IncBitrateProfileChange(domain.TierPoor)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.iceRestarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayFallbacks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalingMessages.WithLabelValues("outbound", string(domain.EventInitiateCall))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bitrateProfileChanges.WithLabelValues("poor")))

	c.ObserveRTT(120 * time.Millisecond)
	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "callcore_quality_rtt_seconds")
	assert.Contains(t, names, "callcore_call_duration_seconds")
}

type fakeChannel struct{ connected bool }

func (f fakeChannel) Connected() bool { return f.connected }

func TestHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	h.AddRedisCheck(client, time.Second, time.Second)
	h.AddSignalingCheck(fakeChannel{connected: true}, 0, time.Second)

	ctx := context.Background()
	status := h.CheckAll(ctx)
	assert.True(t, status.Healthy())
	assert.Equal(t, StatusHealthy, status.Checks["redis"])
	assert.True(t, h.IsReady(ctx))

	mr.Close()
	status = h.CheckAll(ctx)
	assert.False(t, status.Healthy())
	assert.NotEqual(t, StatusHealthy, status.Checks["redis"])
	assert.Equal(t, StatusHealthy, status.Checks["signaling"])

	offline := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	offline.AddSignalingCheck(fakeChannel{}, 0, time.Second)
	assert.Equal(t, errSignalingDisconnected.Error(), offline.CheckAll(ctx).Checks["signaling"])
}

func TestHealthChecker_BackgroundRecovery(t *testing.T) {
	h := NewHealthChecker(zaptest.NewLogger(t).Sugar())
	failing := errors.New("down")
	results := make(chan error, 4)
	results <- failing
	results <- nil

	h.AddCheck("flaky", func(context.Context) error {
		select {
		case err := <-results:
			return err
		default:
			return nil
		}
	}, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartBackgroundChecks(ctx)

	assert.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		err, seen := h.last["flaky"]
		return seen && err == nil && len(results) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
