package recovery

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bastionkit/bastion/internal/config"
	"github.com/bastionkit/bastion/internal/database"
)

// DatabaseChecker probes database connectivity.
type DatabaseChecker struct {
	DB database.DB
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	health := ComponentHealth{Name: c.Name(), Status: StateHealthy}
	if c.DB == nil {
		health.Status = StateDown
		health.Message = "no database handle configured"
		return health
	}
	if err := c.DB.Authenticate(ctx); err != nil {
		health.Status = StateDown
		health.Message = err.Error()
	}
	health.ResponseTime = time.Since(start)
	return health
}

// HTTPChecker probes an HTTP endpoint, used for application and external
// network connectivity checks.
type HTTPChecker struct {
	ComponentName string
	URL           string
	Client        *http.Client
	// DegradedAbove marks the component degraded when the probe takes
	// longer than this, even if it succeeds.
	DegradedAbove time.Duration
}

func (c *HTTPChecker) Name() string { return c.ComponentName }

func (c *HTTPChecker) Check(ctx context.Context) ComponentHealth {
	start := time.Now()
	health := ComponentHealth{Name: c.ComponentName, Status: StateHealthy}

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		health.Status = StateDown
		health.Message = err.Error()
		return health
	}
	resp, err := client.Do(req)
	health.ResponseTime = time.Since(start)
	if err != nil {
		health.Status = StateDown
		health.Message = err.Error()
		return health
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		health.Status = StateCritical
		health.Message = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		health.Status = StateDegraded
		health.Message = fmt.Sprintf("endpoint returned %d", resp.StatusCode)
	case c.DegradedAbove > 0 && health.ResponseTime > c.DegradedAbove:
		health.Status = StateDegraded
		health.Message = "slow response"
	}
	return health
}

// FuncChecker adapts a closure into a HealthChecker, used for the backup
// and monitoring subsystem probes.
type FuncChecker struct {
	ComponentName string
	Fn            func(ctx context.Context) ComponentHealth
}

func (c *FuncChecker) Name() string { return c.ComponentName }

func (c *FuncChecker) Check(ctx context.Context) ComponentHealth {
	health := c.Fn(ctx)
	health.Name = c.ComponentName
	return health
}

// aggregateOverall folds component states into the snapshot-wide state by
// worst-of precedence: down > critical > degraded > healthy.
func aggregateOverall(components map[string]ComponentHealth) HealthState {
	overall := StateHealthy
	for _, c := range components {
		if c.Status.Worse(overall) {
			overall = c.Status
		}
	}
	return overall
}

// annotateThresholds appends threshold breach annotations for metric
// violations. These annotations are informational; the monitoring subsystem
// raises the real alerts.
func annotateThresholds(snapshot *HealthSnapshot, cfg config.RecoveryConfig) {
	for name, comp := range snapshot.Components {
		if cfg.MaxResponseTime > 0 && comp.ResponseTime > cfg.MaxResponseTime {
			snapshot.Alerts = append(snapshot.Alerts, ThresholdBreach{
				Component: name,
				Metric:    "response_time",
				Detail:    fmt.Sprintf("%s response time %s exceeds threshold %s", name, comp.ResponseTime, cfg.MaxResponseTime),
			})
		}
		if mem, ok := comp.Metrics["memoryPercent"]; ok && cfg.MaxMemoryPercent > 0 && mem > cfg.MaxMemoryPercent {
			snapshot.Alerts = append(snapshot.Alerts, ThresholdBreach{
				Component: name,
				Metric:    "memory_usage",
				Detail:    fmt.Sprintf("%s memory usage %.1f%% exceeds threshold %.1f%%", name, mem, cfg.MaxMemoryPercent),
			})
		}
	}
}
