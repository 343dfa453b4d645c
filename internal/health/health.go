// Package health exposes liveness/readiness endpoints and the Prometheus
// scrape endpoint over plain net/http. Grounded on orchid/pkg/health/
// health.go's Checker (same Status/CheckResult/Response shape, same
// liveness-vs-readiness split, same per-dependency check functions),
// de-echo'd to bare http.HandlerFunc registrations —
// two routes plus a metrics route is too small a surface to justify an
// HTTP router framework (see DESIGN.md's dropped-dependency entry for
// labstack/echo/v4).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// Status is the health check outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one dependency's check outcome.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the JSON body every health route returns.
type Response struct {
	Status     Status                 `json:"status"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Checker pings every configured sink pool (and Redis, if the scheduler's
// distributed lock is in use) on /readyz, and reports process liveness on
// /healthz.
type Checker struct {
	pools     map[string]*sqlx.DB
	redis     *redis.Client
	startTime time.Time

	mu    sync.RWMutex
	ready bool
}

// NewChecker builds a Checker over the named sink pools. redisClient may be
// nil when the scheduler is running with the in-process lock fallback.
func NewChecker(pools map[string]*sqlx.DB, redisClient *redis.Client) *Checker {
	return &Checker{pools: pools, redis: redisClient, startTime: time.Now()}
}

// SetReady marks the service ready (or not) to serve /readyz 200s — flipped
// once config is loaded and the scheduler has started.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) isReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessHandler answers "is the process running", unconditionally healthy
// once the handler is reachable at all.
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:     StatusHealthy,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		ReportedAt: time.Now(),
	})
}

// ReadinessHandler answers "can this process serve scheduled runs right
// now", checking every sink pool and Redis (if configured).
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !c.isReady() {
		writeJSON(w, http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "still loading config"},
			},
		})
		return
	}

	checks := c.runChecks(r.Context())
	status := overallStatus(checks)

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Response{
		Status:     status,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// MetricsHandler is the Prometheus scrape endpoint.
func (c *Checker) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func (c *Checker) runChecks(ctx context.Context) map[string]CheckResult {
	checks := make(map[string]CheckResult, len(c.pools)+1)
	for name, pool := range c.pools {
		checks["sink:"+name] = checkDB(ctx, pool)
	}
	if c.redis != nil {
		checks["redis"] = checkRedis(ctx, c.redis)
	}
	return checks
}

func checkDB(ctx context.Context, db *sqlx.DB) CheckResult {
	if db == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "pool not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Latency: time.Since(start).String()}
	}
	return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
}

func checkRedis(ctx context.Context, rdb *redis.Client) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error(), Latency: time.Since(start).String()}
	}
	return CheckResult{Status: StatusHealthy, Latency: time.Since(start).String()}
}

func overallStatus(checks map[string]CheckResult) Status {
	for _, check := range checks {
		if check.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}
	return StatusHealthy
}

func writeJSON(w http.ResponseWriter, code int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// RegisterRoutes wires /healthz, /readyz, /metrics onto mux.
func (c *Checker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", c.LivenessHandler)
	mux.HandleFunc("/readyz", c.ReadinessHandler)
	mux.Handle("/metrics", c.MetricsHandler())
}
