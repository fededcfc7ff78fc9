package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (s HealthStatus) Healthy() bool {
	return s.Status == StatusHealthy
}

type HealthChecker struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	checks []HealthCheck
	last   map[string]error
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	return &HealthChecker{
		logger: logger,
		last:   make(map[string]error),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:     name,
		Check:    check,
		Interval: interval,
		Timeout:  timeout,
	})
}

// CheckAll runs every check now.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}
	for _, check := range checks {
		err := h.run(ctx, check)
		if err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = StatusHealthy
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	err := check.Check(checkCtx)

	h.mu.Lock()
	previous, seen := h.last[check.Name]
	h.last[check.Name] = err
	h.mu.Unlock()

	switch {
	case err != nil && (!seen || previous == nil):
		h.logger.Warnw("health check failing", "check", check.Name, "error", err)
	case err == nil && seen && previous != nil:
		h.logger.Infow("health check recovered", "check", check.Name)
	}
	return err
}

// StartBackgroundChecks runs each check on its interval until ctx is done,
// logging transitions between healthy and failing.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		if check.Interval > 0 {
			go h.runPeriodically(ctx, check)
		}
	}
}

func (h *HealthChecker) runPeriodically(ctx context.Context, check HealthCheck) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = h.run(ctx, check)
		}
	}
}

var errSignalingDisconnected = errors.New("signaling channel disconnected")
