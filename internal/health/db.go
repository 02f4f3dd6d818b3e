// Package health implements the dependency probes behind /health and
// /ready: the durable store, the ephemeral store, and the cross-node
// subscriber.
package health

import (
	"context"
	"database/sql"
	"time"
)

// probeTimeout bounds a single dependency probe so a wedged store can't hang
// the health endpoint past the load balancer's own timeout.
const probeTimeout = 5 * time.Second

// DBChecker probes the durable store.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker wraps the shared connection pool.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the durable store within probeTimeout.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return d.db.PingContext(ctx)
}
