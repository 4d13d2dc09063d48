package chat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/adlytic/assistant/internal/backend"
	"github.com/adlytic/assistant/internal/daterange"
	"github.com/adlytic/assistant/internal/identity"
)

// Registry hands out one Orchestrator per user and keeps it alive across
// requests. Orchestrators are created lazily on first use and bootstrapped
// with the credential that created them.
type Registry struct {
	api     backend.API
	ranges  *daterange.Store
	events  Broadcaster
	convlog *ConversationLogger
	logger  *slog.Logger

	mu    sync.Mutex
	users map[string]*Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry(api backend.API, ranges *daterange.Store, events Broadcaster, convlog *ConversationLogger, logger *slog.Logger) *Registry {
	if events == nil {
		events = NopBroadcaster{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		api:     api,
		ranges:  ranges,
		events:  events,
		convlog: convlog,
		logger:  logger,
		users:   make(map[string]*Orchestrator),
	}
}

// ForUser returns the orchestrator for the credential's user, creating and
// bootstrapping it on first access.
func (r *Registry) ForUser(ctx context.Context, cred identity.Credential) *Orchestrator {
	r.mu.Lock()
	o, ok := r.users[cred.UserID]
	if !ok {
		o = NewOrchestrator(cred.UserID, r.api, r.ranges, r.events, r.convlog, r.logger)
		r.users[cred.UserID] = o
	}
	r.mu.Unlock()

	o.Bootstrap(ctx, cred)
	return o
}

// Remove drops a user's orchestrator and its cached state. Logout.
func (r *Registry) Remove(ctx context.Context, userID string) {
	r.mu.Lock()
	o, ok := r.users[userID]
	delete(r.users, userID)
	r.mu.Unlock()
	if !ok {
		return
	}
	o.Wait()
	o.Clear()
	r.ranges.Forget(ctx, userID)
}

// Close waits for every orchestrator's background work to settle.
func (r *Registry) Close() {
	r.mu.Lock()
	users := make([]*Orchestrator, 0, len(r.users))
	for _, o := range r.users {
		users = append(users, o)
	}
	r.mu.Unlock()
	for _, o := range users {
		o.Wait()
	}
}
