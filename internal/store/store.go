// Package store provides the durable client-side cache. It is best-effort:
// the remote settings store remains authoritative, this cache only answers
// when the remote is unreachable or memory has not yet been populated.
package store

import (
	"context"

	"github.com/adlytic/assistant/internal/domain"
)

// DebugEntryKey is a reserved cache key mirroring the last range written for
// any user. Diagnostic only, never read on the reconciliation path.
const DebugEntryKey = "_debug"

// Cache defines the durable per-user cache operations.
type Cache interface {
	// GetDateRange retrieves the cached analysis date range for a user.
	// The second return value is false on a cache miss.
	GetDateRange(ctx context.Context, userID string) (domain.DateRange, bool, error)

	// PutDateRange stores the analysis date range for a user and refreshes
	// the debug mirror entry.
	PutDateRange(ctx context.Context, userID string, r domain.DateRange) error

	// DeleteDateRange removes a user's cached range (logout teardown).
	DeleteDateRange(ctx context.Context, userID string) error

	// Ping verifies the cache is reachable.
	Ping(ctx context.Context) error

	// Close closes the underlying database.
	Close() error
}
