package database

import (
	"context"
	"time"
)

// HealthStatus is the store section of the health endpoint: the outcome of a
// ping plus a snapshot of the sql connection pool.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the store within ctx's deadline and reports pool statistics.
// The snapshot is returned even when the ping fails, with Status flipped to
// "unhealthy" and the ping error alongside.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	stats := c.db.Stats()
	h := &HealthStatus{
		Status:          "healthy",
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}

	start := time.Now()
	err := c.db.PingContext(ctx)
	h.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		h.Status = "unhealthy"
	}
	return h, err
}
