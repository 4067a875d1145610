package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"mediasession/internal/core/domain"
	"mediasession/internal/core/ports"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) (bool, error)
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks = append(h.checks, HealthCheck{
		Name:    name,
		Check:   check,
		Timeout: timeout,
	})
}

// AddPlatformCheck reports unhealthy when the media platform cannot list
// devices, which is the cheapest call that touches the capture stack.
func (h *HealthChecker) AddPlatformCheck(platform ports.MediaPlatform, timeout time.Duration) {
	h.AddCheck("media_platform", func(ctx context.Context) (bool, error) {
		if _, err := platform.ListMediaDevices(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

// AddSessionCheck reports unhealthy once the capture session is closed.
func (h *HealthChecker) AddSessionCheck(session interface{ State() domain.SessionState }) {
	h.AddCheck("capture_session", func(ctx context.Context) (bool, error) {
		if session.State().Closed {
			return false, errors.New("capture session closed")
		}
		return true, nil
	}, time.Second)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}

	for _, check := range checks {
		healthy, err := runCheck(ctx, check)
		if err != nil || !healthy {
			status.Status = "unhealthy"
			if err != nil {
				status.Checks[check.Name] = err.Error()
			} else {
				status.Checks[check.Name] = "check failed"
			}
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}

	return status
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}

func runCheck(ctx context.Context, check HealthCheck) (bool, error) {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, check.Timeout)
		defer cancel()
	}
	return check.Check(ctx)
}
