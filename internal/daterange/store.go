// Package daterange reconciles the analysis date range across its three
// representations: in-memory state, the durable per-user cache, and the
// remote settings record. Precedence is memory > cache > remote for reads;
// the remote record stays the authoritative long-term store. All
// reconciliation lives here so call sites never read the tiers directly.
package daterange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adlytic/assistant/internal/backend"
	"github.com/adlytic/assistant/internal/domain"
	"github.com/adlytic/assistant/internal/identity"
	"github.com/adlytic/assistant/internal/store"
)

// remoteWriteTimeout bounds the asynchronous settings update.
const remoteWriteTimeout = 10 * time.Second

// Notifier surfaces non-blocking user notifications. Remote write failures
// are low-stakes here and never roll back local state.
type Notifier interface {
	Notify(userID, message string)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}

// Store owns the in-memory date range per user and keeps the durable cache
// and remote settings record in step with it.
type Store struct {
	api      backend.API
	cache    store.Cache
	notifier Notifier
	logger   *slog.Logger

	mu  sync.RWMutex
	mem map[string]domain.DateRange

	writes sync.WaitGroup
}

// New creates a date range store.
func New(api backend.API, cache store.Cache, notifier Notifier, logger *slog.Logger) *Store {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		api:      api,
		cache:    cache,
		notifier: notifier,
		logger:   logger,
		mem:      make(map[string]domain.DateRange),
	}
}

// Get returns the current in-memory value. This is the value consulted for
// all request construction; an empty range means "not set".
func (s *Store) Get(userID string) domain.DateRange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem[userID]
}

// Ensure returns the in-memory value, resolving it through Load only on the
// first access for a user. Once memory is populated it is authoritative for
// reads: going back to the remote here would revert an optimistic Set whose
// background write failed.
func (s *Store) Ensure(ctx context.Context, cred identity.Credential) domain.DateRange {
	s.mu.RLock()
	r, ok := s.mem[cred.UserID]
	s.mu.RUnlock()
	if ok {
		return r
	}
	return s.Load(ctx, cred)
}

// Load resolves the range at session start: remote fetch first, durable
// cache on remote failure, empty on a total miss. The resolved value always
// lands in memory.
func (s *Store) Load(ctx context.Context, cred identity.Credential) domain.DateRange {
	userID := cred.UserID

	remote, err := s.api.GetDateRange(ctx, cred)
	if err == nil {
		s.put(userID, remote)
		// Keep the cache tier in step with the authoritative record.
		if cacheErr := s.cache.PutDateRange(ctx, userID, remote); cacheErr != nil {
			s.logger.Warn("failed to refresh date range cache", "user_id", userID, "error", cacheErr)
		}
		return remote
	}
	s.logger.Warn("remote date range fetch failed, falling back to cache",
		"user_id", userID, "error", err)

	cached, ok, cacheErr := s.cache.GetDateRange(ctx, userID)
	if cacheErr != nil {
		s.logger.Warn("date range cache read failed", "user_id", userID, "error", cacheErr)
	}
	if ok {
		s.put(userID, cached)
		return cached
	}

	s.put(userID, domain.DateRange{})
	return domain.DateRange{}
}

// Set records a pre-validated range: memory and the durable cache update
// synchronously, the remote settings record asynchronously. A failed remote
// write keeps the new local value and surfaces a notification instead of
// rolling back. The store trusts its input; callers validate.
func (s *Store) Set(ctx context.Context, cred identity.Credential, r domain.DateRange) {
	userID := cred.UserID
	s.put(userID, r)

	if err := s.cache.PutDateRange(ctx, userID, r); err != nil {
		s.logger.Warn("failed to write date range cache", "user_id", userID, "error", err)
	}

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		writeCtx, cancel := context.WithTimeout(context.Background(), remoteWriteTimeout)
		defer cancel()

		if err := s.api.PutDateRange(writeCtx, cred, r); err != nil {
			s.logger.Warn("remote date range update failed, keeping local value",
				"user_id", userID, "error", err)
			s.notifier.Notify(userID, "Your date range was saved locally but could not sync to the server.")
		}
	}()
}

// Forget drops a user's in-memory value and cached entry (logout teardown).
func (s *Store) Forget(ctx context.Context, userID string) {
	s.mu.Lock()
	delete(s.mem, userID)
	s.mu.Unlock()

	if err := s.cache.DeleteDateRange(ctx, userID); err != nil {
		s.logger.Warn("failed to clear cached date range", "user_id", userID, "error", err)
	}
}

// Close waits for in-flight remote writes. Call at shutdown.
func (s *Store) Close() {
	s.writes.Wait()
}

func (s *Store) put(userID string, r domain.DateRange) {
	s.mu.Lock()
	s.mem[userID] = r
	s.mu.Unlock()
}
