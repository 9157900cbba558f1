package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter/internal/pkg/httputil"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ComponentCheck represents the health of a single component.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "disabled"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports readiness of the database and Redis. Either
// dependency may be nil when it is not configured.
type HealthChecker struct {
	db        Pinger
	redis     redis.UniversalClient
	startTime time.Time
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(db Pinger, rdb redis.UniversalClient) *HealthChecker {
	return &HealthChecker{db: db, redis: rdb, startTime: time.Now()}
}

// HandleReadiness returns 200 only when every configured dependency answers.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]ComponentCheck{
		"database": hc.check(r.Context(), hc.db != nil, 3*time.Second, func(ctx context.Context) error {
			return hc.db.PingContext(ctx)
		}),
		"redis": hc.check(r.Context(), hc.redis != nil, 2*time.Second, func(ctx context.Context) error {
			return hc.redis.Ping(ctx).Err()
		}),
	}

	ready := true
	for _, c := range checks {
		if c.Status == "down" {
			ready = false
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, map[string]any{
		"ready":  ready,
		"uptime": time.Since(hc.startTime).Truncate(time.Second).String(),
		"checks": checks,
	})
}

func (hc *HealthChecker) check(ctx context.Context, configured bool, timeout time.Duration, ping func(context.Context) error) ComponentCheck {
	if !configured {
		return ComponentCheck{Status: "disabled"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := ping(pingCtx)
	latency := time.Since(start)
	if err != nil {
		return ComponentCheck{Status: "down", Latency: latency.String(), Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return ComponentCheck{Status: "up", Latency: latency.String()}
}
