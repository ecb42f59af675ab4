// Package store provides the SQLite persistence layer shared by every
// memory component: schema migrations, the advisory writer lock and the
// Querier handle components run their SQL through.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrStorageUnavailable wraps every failure to open, lock or migrate the
// database. It is fatal to the caller.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrLocked is returned when another live process holds the writer lock.
var ErrLocked = errors.New("database locked by another writer")

// Querier is the handle every component runs its SQL through. Both *Store
// and an open transaction satisfy it, so a component works the same way
// standalone or inside a larger atomic unit.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row

	// InTx runs fn atomically. Called on a transaction it reuses it.
	InTx(ctx context.Context, fn func(q Querier) error) error
}

// Options configures Open.
type Options struct {
	// LockStaleAfter marks a lock file older than this as abandoned even if
	// its pid looks alive. Zero means DefaultLockStaleAfter.
	LockStaleAfter time.Duration
}

// DefaultLockStaleAfter is the default age after which a lock is abandoned.
const DefaultLockStaleAfter = 24 * time.Hour
