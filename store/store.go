// Package store defines the aggregate persistence interface. Each
// subsystem (job, control) defines its own store interface; the
// composite Store composes them all. Backends: Postgres, SQLite, and
// Memory.
package store

import (
	"context"

	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/job"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store plus lifecycle management.
type Store interface {
	job.Store
	control.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
