package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthPingTimeout = 5 * time.Second

// Pinger is a storage backend that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is a snapshot of a pgx pool.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	s := pool.Stat()
	return &PoolStats{
		TotalConns:      s.TotalConns(),
		IdleConns:       s.IdleConns(),
		AcquiredConns:   s.AcquiredConns(),
		MaxConns:        s.MaxConns(),
		AcquireCount:    s.AcquireCount(),
		AcquireDuration: s.AcquireDuration().String(),
		Healthy:         s.TotalConns() > 0,
	}
}

// HealthReport is the body of the storage health endpoint.
type HealthReport struct {
	Driver string     `json:"driver"`
	Status string     `json:"status"`
	PingMS int64      `json:"ping_ms"`
	Error  string     `json:"error,omitempty"`
	Pool   *PoolStats `json:"pool,omitempty"`
}

// CheckHealth pings p and, for a pgx pool, samples its statistics.
func CheckHealth(ctx context.Context, driver string, p Pinger) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()

	report := HealthReport{Driver: driver, Status: "healthy"}
	if pool, ok := p.(*pgxpool.Pool); ok {
		report.Pool = GetPoolStats(pool)
	}

	start := time.Now()
	err := p.Ping(ctx)
	report.PingMS = time.Since(start).Milliseconds()
	if err != nil {
		report.Status = "unhealthy"
		report.Error = err.Error()
		if report.Pool != nil {
			report.Pool.Healthy = false
		}
	}
	return report
}

// HealthHandler serves CheckHealth, answering 503 when storage is down.
func HealthHandler(driver string, p Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		report := CheckHealth(c.Request().Context(), driver, p)
		if report.Error != "" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
