// Package health provides readiness checks for the ledger's external
// dependencies.
package health

import (
	"context"
	"database/sql"
)

// DBChecker reports whether the ledger's PostgreSQL backend is reachable.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database. A failure here means appends would be
// falling through to the emergency log.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}
