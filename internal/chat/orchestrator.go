package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adlytic/assistant/internal/backend"
	"github.com/adlytic/assistant/internal/daterange"
	"github.com/adlytic/assistant/internal/domain"
	"github.com/adlytic/assistant/internal/identity"
	"github.com/adlytic/assistant/internal/normalize"
	"github.com/google/uuid"
)

// contextWindow is how many prior messages accompany a send as agent context.
const contextWindow = 5

// persistTimeout bounds one background persistence call.
const persistTimeout = 20 * time.Second

var (
	// ErrSetupRequired means no bound credential is available; the caller
	// should prompt for setup instead of retrying.
	ErrSetupRequired = errors.New("credentials not configured")
	// ErrEmptyMessage rejects blank sends before any state changes.
	ErrEmptyMessage = errors.New("message content required")
	// ErrBusy means a send is already in flight; the single sending slot is
	// taken.
	ErrBusy = errors.New("another message is in flight")
	// ErrAgentFailed wraps an agent call failure after the user message was
	// already appended.
	ErrAgentFailed = errors.New("agent request failed")
)

// Orchestrator owns one user's chat state: the session collection, the
// active session pointer, the single in-flight send slot, the per-message
// error set and the pending edit. It is the only mutator of that state.
type Orchestrator struct {
	userID  string
	api     backend.API
	ranges  *daterange.Store
	events  Broadcaster
	convlog *ConversationLogger
	logger  *slog.Logger

	mu          sync.Mutex
	sessions    []*domain.ChatSession
	activeID    string // local session ID
	sending     bool
	errored     map[string]struct{}
	pendingEdit string
	editBuffer  string

	persisting   map[string]bool // local session ID -> persist in flight
	persistAgain map[string]bool // coalesced follow-up persist requested

	bootstrapOnce sync.Once
	persistWG     sync.WaitGroup
}

// NewOrchestrator creates the orchestrator for one user. It holds no state
// until Bootstrap runs.
func NewOrchestrator(userID string, api backend.API, ranges *daterange.Store, events Broadcaster, convlog *ConversationLogger, logger *slog.Logger) *Orchestrator {
	if events == nil {
		events = NopBroadcaster{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		userID:       userID,
		api:          api,
		ranges:       ranges,
		events:       events,
		convlog:      convlog,
		logger:       logger,
		errored:      make(map[string]struct{}),
		persisting:   make(map[string]bool),
		persistAgain: make(map[string]bool),
	}
}

// Bootstrap loads the user's sessions and date range once. A failed session
// list is surfaced as a notification and leaves the orchestrator empty but
// usable; later operations create sessions on demand.
func (o *Orchestrator) Bootstrap(ctx context.Context, cred identity.Credential) {
	o.bootstrapOnce.Do(func() {
		if !cred.Bound() {
			return
		}
		o.ranges.Load(ctx, cred)

		sessions, err := o.api.ListSessions(ctx, cred)
		if err != nil {
			o.logger.Warn("session list load failed", "user_id", o.userID, "error", err)
			o.events.Broadcast(o.userID, Event{Type: EventNotification, Text: "Could not load your chat history."})
			return
		}

		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		})

		o.mu.Lock()
		o.sessions = o.sessions[:0]
		for i := range sessions {
			s := sessions[i]
			o.sessions = append(o.sessions, &s)
		}
		if len(o.sessions) > 0 {
			o.activeID = o.sessions[0].LocalID
		}
		o.mu.Unlock()

		o.events.Broadcast(o.userID, Event{Type: EventSessionListChanged})
	})
}

// Send appends the user's message optimistically, asks the agent for a
// reply, and reconciles. The appended user message is the point of no
// return: a failure marks it errored, it is never removed automatically.
func (o *Orchestrator) Send(ctx context.Context, cred identity.Credential, content string) (domain.Message, *domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, nil, ErrEmptyMessage
	}
	if !cred.Bound() {
		return domain.Message{}, nil, ErrSetupRequired
	}

	o.mu.Lock()
	if o.sending {
		o.mu.Unlock()
		return domain.Message{}, nil, ErrBusy
	}
	sess := o.ensureActiveLocked()

	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Content:   content,
		Role:      domain.RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	sess.Messages = append(sess.Messages, userMsg)
	sess.UpdatedAt = userMsg.CreatedAt
	sess.DeriveTitle()
	o.sending = true
	sessionID := sess.LocalID
	history := priorHistory(sess.Messages)
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventMessageAppended, SessionID: sessionID, Message: &userMsg})
	o.convlog.LogUserMessage(o.userID, sessionID, content)

	agentMsg, err := o.requestReply(ctx, cred, sessionID, userMsg, history)
	if err != nil {
		return userMsg, nil, err
	}
	return userMsg, agentMsg, nil
}

// requestReply runs the shared tail of the send protocol: call the agent,
// append the normalized reply, clear the error flag, schedule persistence.
// On failure the user message is marked errored and the list is left as-is.
// The sending slot always clears before return.
func (o *Orchestrator) requestReply(ctx context.Context, cred identity.Credential, sessionID string, userMsg domain.Message, history []backend.HistoryEntry) (*domain.Message, error) {
	r := o.ranges.Get(o.userID)
	req := backend.AgentRequest{
		Message:       userMsg.Content,
		History:       history,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		DaysToAnalyze: domain.DaysBetween(r),
		SessionID:     sessionID,
	}

	raw, err := o.api.AgentReply(ctx, cred, req)
	if err != nil {
		// Error bookkeeping must survive a session switch during the call.
		o.mu.Lock()
		o.errored[userMsg.ID] = struct{}{}
		o.sending = false
		o.mu.Unlock()

		o.logger.Warn("agent reply failed",
			"user_id", o.userID, "session_id", sessionID, "message_id", userMsg.ID, "error", err)
		o.events.Broadcast(o.userID, Event{Type: EventMessageErrored, SessionID: sessionID, MessageID: userMsg.ID})
		o.convlog.LogError(o.userID, sessionID, err.Error())
		return nil, errors.Join(ErrAgentFailed, err)
	}

	reply := normalize.Normalize(raw)
	agentMsg := domain.Message{
		ID:        uuid.NewString(),
		Content:   reply,
		Role:      domain.RoleAgent,
		CreatedAt: time.Now().UTC(),
	}

	o.mu.Lock()
	sess := o.findLocked(sessionID)
	if sess == nil {
		// Session vanished while the call was in flight; the reply has
		// nowhere to land.
		o.sending = false
		o.mu.Unlock()
		o.logger.Warn("discarding agent reply for removed session",
			"user_id", o.userID, "session_id", sessionID)
		return nil, nil
	}
	sess.Messages = append(sess.Messages, agentMsg)
	sess.UpdatedAt = agentMsg.CreatedAt
	delete(o.errored, userMsg.ID)
	o.sending = false
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventMessageAppended, SessionID: sessionID, Message: &agentMsg})
	o.convlog.LogAgentMessage(o.userID, sessionID, reply)

	// The user already saw a correct answer; persistence failures from here
	// are logged, never rolled back into the UI.
	o.persistAsync(cred, sessionID)
	return &agentMsg, nil
}

// BeginEdit marks a message as the single pending edit and fills the
// scratch buffer with its current content.
func (o *Orchestrator) BeginEdit(messageID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := o.findLocked(o.activeID)
	if sess == nil {
		return
	}
	idx := sess.FindMessage(messageID)
	if idx < 0 {
		o.logger.Warn("begin edit for unknown message", "user_id", o.userID, "message_id", messageID)
		return
	}
	o.pendingEdit = messageID
	o.editBuffer = sess.Messages[idx].Content
}

// CancelEdit leaves edit mode and clears the scratch buffer.
func (o *Orchestrator) CancelEdit() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingEdit = ""
	o.editBuffer = ""
}

// EditAndResend rewrites a user message, drops every downstream reply, and
// re-runs the send protocol with the new content. The truncated list is
// persisted before the new agent call so a failure still leaves the remote
// store at "edited, no new answer yet". The pending edit clears on both
// outcomes.
func (o *Orchestrator) EditAndResend(ctx context.Context, cred identity.Credential, messageID, newContent string) (*domain.Message, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, ErrEmptyMessage
	}
	if !cred.Bound() {
		return nil, ErrSetupRequired
	}

	o.mu.Lock()
	defer func() {
		o.mu.Lock()
		o.pendingEdit = ""
		o.editBuffer = ""
		o.mu.Unlock()
	}()

	if o.sending {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	sess := o.findLocked(o.activeID)
	if sess == nil || sess.FindMessage(messageID) < 0 {
		o.mu.Unlock()
		// UI state race, not a user mistake.
		o.logger.Warn("edit target not in active session", "user_id", o.userID, "message_id", messageID)
		return nil, nil
	}

	truncated := ApplyEdit(TruncateAfter(sess.Messages, messageID), messageID, newContent)
	sess.Messages = truncated
	sess.UpdatedAt = time.Now().UTC()
	o.sending = true
	sessionID := sess.LocalID
	remoteID := sess.RemoteID
	title := sess.Title
	idx := sess.FindMessage(messageID)
	userMsg := sess.Messages[idx]
	history := historyEntries(sess.Messages[:idx])
	snapshot := make([]domain.Message, len(truncated))
	copy(snapshot, truncated)
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventSessionListChanged, SessionID: sessionID})
	o.convlog.LogUserMessage(o.userID, sessionID, newContent)

	// Persist the edited shape first, so the remote store never silently
	// reverts the edit if the agent call fails.
	remoteID, err := o.ensureRemote(ctx, cred, sessionID, remoteID, title)
	if err == nil {
		err = o.api.UpdateSessionMessages(ctx, cred, remoteID, snapshot)
	}
	if err != nil {
		o.logger.Warn("pre-resend persistence failed",
			"user_id", o.userID, "session_id", sessionID, "error", err)
	}

	return o.requestReply(ctx, cred, sessionID, userMsg, history)
}

// Resend retries a message with its current content: downstream messages are
// dropped and the send protocol runs again. Retrying an errored send is the
// common caller.
func (o *Orchestrator) Resend(ctx context.Context, cred identity.Credential, messageID string) (*domain.Message, error) {
	o.mu.Lock()
	sess := o.findLocked(o.activeID)
	if sess == nil {
		o.mu.Unlock()
		return nil, nil
	}
	idx := sess.FindMessage(messageID)
	if idx < 0 {
		o.mu.Unlock()
		o.logger.Warn("resend target not in active session", "user_id", o.userID, "message_id", messageID)
		return nil, nil
	}
	content := sess.Messages[idx].Content
	o.mu.Unlock()

	return o.EditAndResend(ctx, cred, messageID, content)
}

// DeleteMessage removes a message and everything after it. Purely a local
// decision; the remote store is updated in the background.
func (o *Orchestrator) DeleteMessage(ctx context.Context, cred identity.Credential, messageID string) {
	o.mu.Lock()
	sess := o.findLocked(o.activeID)
	if sess == nil || sess.FindMessage(messageID) < 0 {
		o.mu.Unlock()
		o.logger.Warn("delete target not in active session", "user_id", o.userID, "message_id", messageID)
		return
	}

	removed := sess.Messages[sess.FindMessage(messageID):]
	sess.Messages = RemoveFrom(sess.Messages, messageID)
	sess.UpdatedAt = time.Now().UTC()
	for _, m := range removed {
		delete(o.errored, m.ID)
		if o.pendingEdit == m.ID {
			o.pendingEdit = ""
			o.editBuffer = ""
		}
	}
	sessionID := sess.LocalID
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventSessionListChanged, SessionID: sessionID})
	o.persistAsync(cred, sessionID)
}

// DismissError drops a message from the error set without resending.
func (o *Orchestrator) DismissError(messageID string) {
	o.mu.Lock()
	_, ok := o.errored[messageID]
	delete(o.errored, messageID)
	o.mu.Unlock()

	if ok {
		o.events.Broadcast(o.userID, Event{Type: EventMessageDismissed, MessageID: messageID})
	}
}

// CreateSession creates a session remotely and, on success, adds and selects
// it locally. Whole-session operations have no partial state to preserve:
// failure changes nothing locally.
func (o *Orchestrator) CreateSession(ctx context.Context, cred identity.Credential, title string) (*domain.ChatSession, error) {
	if !cred.Bound() {
		return nil, ErrSetupRequired
	}
	if strings.TrimSpace(title) == "" {
		title = domain.DefaultSessionTitle
	}

	created, err := o.api.CreateSession(ctx, cred, title)
	if err != nil {
		o.logger.Warn("session create failed", "user_id", o.userID, "error", err)
		o.events.Broadcast(o.userID, Event{Type: EventNotification, Text: "Could not create a new chat."})
		return nil, err
	}
	now := time.Now().UTC()
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = now
	}

	o.mu.Lock()
	o.sessions = append([]*domain.ChatSession{&created}, o.sessions...)
	o.activeID = created.LocalID
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventSessionListChanged, SessionID: created.LocalID})
	return &created, nil
}

// SelectSession moves the active pointer. Unknown IDs are a logged no-op: an
// in-flight operation may have removed the session already.
func (o *Orchestrator) SelectSession(localID string) {
	o.mu.Lock()
	if o.findLocked(localID) == nil {
		o.mu.Unlock()
		o.logger.Warn("select of unknown session", "user_id", o.userID, "session_id", localID)
		return
	}
	o.activeID = localID
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventSessionSelected, SessionID: localID})
}

// DeleteSession removes a whole session. On remote failure local state stays
// at its pre-operation snapshot and the user gets a notification. Deleting
// the active session selects the next most-recent remaining one.
func (o *Orchestrator) DeleteSession(ctx context.Context, cred identity.Credential, localID string) error {
	if !cred.Bound() {
		return ErrSetupRequired
	}

	o.mu.Lock()
	sess := o.findLocked(localID)
	if sess == nil {
		o.mu.Unlock()
		o.logger.Warn("delete of unknown session", "user_id", o.userID, "session_id", localID)
		return nil
	}
	remoteID := sess.RemoteID
	o.mu.Unlock()

	if remoteID != "" {
		if err := o.api.DeleteSession(ctx, cred, remoteID); err != nil && !errors.Is(err, backend.ErrNotFound) {
			o.logger.Warn("session delete failed", "user_id", o.userID, "session_id", localID, "error", err)
			o.events.Broadcast(o.userID, Event{Type: EventNotification, Text: "Could not delete the chat."})
			return err
		}
	}

	o.mu.Lock()
	for i, s := range o.sessions {
		if s.LocalID == localID {
			for _, m := range s.Messages {
				delete(o.errored, m.ID)
			}
			o.sessions = append(o.sessions[:i], o.sessions[i+1:]...)
			break
		}
	}
	if o.activeID == localID {
		o.activeID = ""
		var latest *domain.ChatSession
		for _, s := range o.sessions {
			if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
				latest = s
			}
		}
		if latest != nil {
			o.activeID = latest.LocalID
		}
	}
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventSessionListChanged})
	return nil
}

// RenameSession retitles a session remotely, then locally. Pre-operation
// state is kept on failure.
func (o *Orchestrator) RenameSession(ctx context.Context, cred identity.Credential, localID, title string) error {
	if !cred.Bound() {
		return ErrSetupRequired
	}
	if strings.TrimSpace(title) == "" {
		return ErrEmptyMessage
	}

	o.mu.Lock()
	sess := o.findLocked(localID)
	if sess == nil {
		o.mu.Unlock()
		return nil
	}
	remoteID := sess.RemoteID
	o.mu.Unlock()

	if remoteID != "" {
		if _, err := o.api.RenameSession(ctx, cred, remoteID, title); err != nil {
			o.logger.Warn("session rename failed", "user_id", o.userID, "session_id", localID, "error", err)
			o.events.Broadcast(o.userID, Event{Type: EventNotification, Text: "Could not rename the chat."})
			return err
		}
	}

	o.mu.Lock()
	if sess := o.findLocked(localID); sess != nil {
		sess.Title = title
		sess.UpdatedAt = time.Now().UTC()
	}
	o.mu.Unlock()

	o.events.Broadcast(o.userID, Event{Type: EventSessionListChanged, SessionID: localID})
	return nil
}

// State is a copy of the orchestrator's user-visible state, used to hydrate
// the UI after a reload.
type State struct {
	Sessions          []domain.ChatSession `json:"sessions"`
	ActiveSessionID   string               `json:"active_session_id,omitempty"`
	Sending           bool                 `json:"sending"`
	ErroredMessageIDs []string             `json:"errored_message_ids"`
	PendingEditID     string               `json:"pending_edit_id,omitempty"`
	EditBuffer        string               `json:"edit_buffer,omitempty"`
}

// Snapshot returns a deep copy of the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := State{
		ActiveSessionID:   o.activeID,
		Sending:           o.sending,
		PendingEditID:     o.pendingEdit,
		EditBuffer:        o.editBuffer,
		ErroredMessageIDs: make([]string, 0, len(o.errored)),
		Sessions:          make([]domain.ChatSession, 0, len(o.sessions)),
	}
	for id := range o.errored {
		st.ErroredMessageIDs = append(st.ErroredMessageIDs, id)
	}
	sort.Strings(st.ErroredMessageIDs)
	for _, s := range o.sessions {
		cp := *s
		cp.Messages = make([]domain.Message, len(s.Messages))
		copy(cp.Messages, s.Messages)
		st.Sessions = append(st.Sessions, cp)
	}
	return st
}

// Clear discards all in-memory state (logout teardown).
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sessions = nil
	o.activeID = ""
	o.sending = false
	o.errored = make(map[string]struct{})
	o.pendingEdit = ""
	o.editBuffer = ""
}

// Wait blocks until background persistence settles. Shutdown and tests.
func (o *Orchestrator) Wait() {
	o.persistWG.Wait()
}

// findLocked returns the session with the given local ID. Callers hold mu.
func (o *Orchestrator) findLocked(localID string) *domain.ChatSession {
	for _, s := range o.sessions {
		if s.LocalID == localID {
			return s
		}
	}
	return nil
}

// ensureActiveLocked returns the active session, creating a fresh local one
// when none exists. The remote record is created lazily by persistence.
func (o *Orchestrator) ensureActiveLocked() *domain.ChatSession {
	if sess := o.findLocked(o.activeID); sess != nil {
		return sess
	}
	now := time.Now().UTC()
	sess := &domain.ChatSession{
		LocalID:   uuid.NewString(),
		Title:     domain.DefaultSessionTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.sessions = append([]*domain.ChatSession{sess}, o.sessions...)
	o.activeID = sess.LocalID
	return sess
}

// ensureRemote creates the remote session record when it does not exist yet
// and records its ID locally.
func (o *Orchestrator) ensureRemote(ctx context.Context, cred identity.Credential, localID, remoteID, title string) (string, error) {
	if remoteID != "" {
		return remoteID, nil
	}
	created, err := o.api.CreateSession(ctx, cred, title)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	if sess := o.findLocked(localID); sess != nil {
		sess.RemoteID = created.RemoteID
	}
	o.mu.Unlock()
	return created.RemoteID, nil
}

// persistAsync schedules a background write of the session's message list.
// One write per session is outstanding at a time; further requests coalesce
// and re-read the latest in-memory list, never a stale snapshot.
func (o *Orchestrator) persistAsync(cred identity.Credential, localID string) {
	o.mu.Lock()
	if o.persisting[localID] {
		o.persistAgain[localID] = true
		o.mu.Unlock()
		return
	}
	o.persisting[localID] = true
	o.mu.Unlock()

	o.persistWG.Add(1)
	go func() {
		defer o.persistWG.Done()
		for {
			o.mu.Lock()
			sess := o.findLocked(localID)
			if sess == nil {
				delete(o.persisting, localID)
				delete(o.persistAgain, localID)
				o.mu.Unlock()
				return
			}
			msgs := make([]domain.Message, len(sess.Messages))
			copy(msgs, sess.Messages)
			remoteID := sess.RemoteID
			title := sess.Title
			o.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			rid, err := o.ensureRemote(ctx, cred, localID, remoteID, title)
			if err == nil {
				err = o.api.UpdateSessionMessages(ctx, cred, rid, msgs)
			}
			cancel()
			if err != nil {
				o.logger.Warn("session persistence failed",
					"user_id", o.userID, "session_id", localID, "error", err)
			}

			o.mu.Lock()
			if o.persistAgain[localID] {
				o.persistAgain[localID] = false
				o.mu.Unlock()
				continue
			}
			delete(o.persisting, localID)
			o.mu.Unlock()
			return
		}
	}()
}

// priorHistory builds the agent context from the messages before the one
// being sent: the most recent window, in chronological order.
func priorHistory(msgs []domain.Message) []backend.HistoryEntry {
	if len(msgs) == 0 {
		return nil
	}
	prior := msgs[:len(msgs)-1]
	if len(prior) > contextWindow {
		prior = prior[len(prior)-contextWindow:]
	}
	return historyEntries(prior)
}

func historyEntries(msgs []domain.Message) []backend.HistoryEntry {
	if len(msgs) > contextWindow {
		msgs = msgs[len(msgs)-contextWindow:]
	}
	entries := make([]backend.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, backend.HistoryEntry{Role: string(m.Role), Content: m.Content})
	}
	return entries
}
