package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CheckFunc reports whether a dependency is usable
type CheckFunc func(ctx context.Context) error

// Check is one named readiness probe. Optional checks are reported but do
// not make the service unready.
type Check struct {
	Name     string
	Fn       CheckFunc
	Optional bool
}

// HealthChecker runs the readiness probes of the gateway
type HealthChecker struct {
	checks  []Check
	timeout time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(timeout time.Duration, checks ...Check) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{checks: checks, timeout: timeout}
}

// Add registers another probe
func (h *HealthChecker) Add(c Check) {
	h.checks = append(h.checks, c)
}

// GetHealthStatus runs every probe concurrently and reports the overall
// status: ok, or degraded when a required probe failed.
func (h *HealthChecker) GetHealthStatus(ctx context.Context) (map[string]any, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]map[string]any, len(h.checks))
	var wg sync.WaitGroup
	for i, c := range h.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, c)
		}()
	}
	wg.Wait()

	ready := true
	checks := make(map[string]any, len(h.checks))
	for i, c := range h.checks {
		checks[c.Name] = results[i]
		if results[i]["status"] != "ok" && !c.Optional {
			ready = false
		}
	}

	status := "ok"
	if !ready {
		status = "degraded"
	}
	return map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}, ready
}

func run(ctx context.Context, c Check) (res map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			res = map[string]any{"status": "error", "error": fmt.Sprint(r)}
		}
	}()
	if err := c.Fn(ctx); err != nil {
		return map[string]any{"status": "error", "error": err.Error()}
	}
	return map[string]any{"status": "ok"}
}
