// Package health serves the liveness and readiness probes.
package health

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type ComponentHealth struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

type HealthResponse struct {
	Status     Status                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Probe checks one dependency. A failing probe that is not Critical only
// degrades readiness.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// degradedError marks a probe failure as degraded even when the probe is critical.
type degradedError struct{ msg string }

func (e *degradedError) Error() string { return e.msg }

// CheckerConfig lists what readiness covers. DB and StorageCheck are
// required for a healthy report. Redis is left out when nil.
type CheckerConfig struct {
	DB           *sql.DB
	Redis        *redis.Client
	StorageCheck func(ctx context.Context) error
	Version      string
	Timeout      time.Duration
}

type Checker struct {
	probes  []Probe
	version string
	timeout time.Duration
}

func NewChecker(cfg *CheckerConfig) *Checker {
	c := &Checker{version: cfg.Version, timeout: cfg.Timeout}
	if c.timeout == 0 {
		c.timeout = 5 * time.Second
	}

	c.probes = append(c.probes,
		Probe{Name: "database", Critical: true, Check: databaseProbe(cfg.DB)},
		Probe{Name: "storage", Critical: true, Check: storageProbe(cfg.StorageCheck)},
	)
	if cfg.Redis != nil {
		// the profile cache and rate limiter fail open without redis
		c.probes = append(c.probes, Probe{Name: "redis", Check: func(ctx context.Context) error {
			return cfg.Redis.Ping(ctx).Err()
		}})
	}
	return c
}

func databaseProbe(db *sql.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db == nil {
			return errors.New("database not configured")
		}
		if err := db.PingContext(ctx); err != nil {
			return errors.New("database ping failed")
		}
		// reachable but unmigrated
		var n int
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM (SELECT 1 FROM users LIMIT 1) t").Scan(&n); err != nil {
			return &degradedError{msg: "database query failed"}
		}
		return nil
	}
}

func storageProbe(check func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if check == nil {
			return errors.New("storage not configured")
		}
		if err := check(ctx); err != nil {
			return errors.New("storage check failed")
		}
		return nil
	}
}

// Check is the liveness report: the process is up.
func (c *Checker) Check(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   c.version,
	}
}

// DeepCheck runs every probe concurrently. The overall status is the worst
// component status.
func (c *Checker) DeepCheck(ctx context.Context) *HealthResponse {
	resp := c.Check(ctx)
	resp.Components = make(map[string]ComponentHealth, len(c.probes))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, p := range c.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.run(ctx, p)
			mu.Lock()
			resp.Components[p.Name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, comp := range resp.Components {
		resp.Status = worst(resp.Status, comp.Status)
	}
	return resp
}

// Component runs the named probe alone.
func (c *Checker) Component(ctx context.Context, name string) (ComponentHealth, bool) {
	for _, p := range c.probes {
		if p.Name == name {
			return c.run(ctx, p), true
		}
	}
	return ComponentHealth{}, false
}

func (c *Checker) run(ctx context.Context, p Probe) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(ctx)
	h := ComponentHealth{Status: StatusHealthy, Duration: time.Since(start).String()}
	if err == nil {
		return h
	}

	var degraded *degradedError
	h.Status = StatusDegraded
	if p.Critical && !errors.As(err, &degraded) {
		h.Status = StatusUnhealthy
	}
	h.Message = err.Error()
	return h
}

func worst(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
