package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adlytic/assistant/internal/backend"
	"github.com/adlytic/assistant/internal/daterange"
	"github.com/adlytic/assistant/internal/domain"
	"github.com/adlytic/assistant/internal/identity"
	"github.com/google/uuid"
)

type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	replyRaw   []byte
	replyErr   error
	replyBlock chan struct{} // when set, AgentReply waits for it to close

	sessions   []domain.ChatSession
	listErr    error
	createErr  error
	deleteErr  error
	renameErr  error
	updateErr  error
	rangeValue domain.DateRange
	rangeErr   error

	updatedMessages map[string][]domain.Message // remote ID -> last written list
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		replyRaw:        []byte(`[{"output":"hi there"}]`),
		rangeErr:        backend.ErrNotFound,
		updatedMessages: make(map[string][]domain.Message),
	}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAPI) AgentReply(ctx context.Context, cred identity.Credential, req backend.AgentRequest) ([]byte, error) {
	f.record("agent")
	if f.replyBlock != nil {
		<-f.replyBlock
	}
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return f.replyRaw, nil
}

func (f *fakeAPI) ListSessions(ctx context.Context, cred identity.Credential) ([]domain.ChatSession, error) {
	f.record("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.ChatSession, len(f.sessions))
	copy(out, f.sessions)
	return out, nil
}

func (f *fakeAPI) CreateSession(ctx context.Context, cred identity.Credential, title string) (domain.ChatSession, error) {
	f.record("create")
	if f.createErr != nil {
		return domain.ChatSession{}, f.createErr
	}
	now := time.Now().UTC()
	return domain.ChatSession{
		LocalID:   uuid.NewString(),
		RemoteID:  "rs-" + uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (f *fakeAPI) RenameSession(ctx context.Context, cred identity.Credential, remoteID, title string) (domain.ChatSession, error) {
	f.record("rename")
	if f.renameErr != nil {
		return domain.ChatSession{}, f.renameErr
	}
	return domain.ChatSession{RemoteID: remoteID, Title: title}, nil
}

func (f *fakeAPI) UpdateSessionMessages(ctx context.Context, cred identity.Credential, remoteID string, msgs []domain.Message) error {
	f.record("update")
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	cp := make([]domain.Message, len(msgs))
	copy(cp, msgs)
	f.updatedMessages[remoteID] = cp
	f.mu.Unlock()
	return nil
}

func (f *fakeAPI) DeleteSession(ctx context.Context, cred identity.Credential, remoteID string) error {
	f.record("delete")
	return f.deleteErr
}

func (f *fakeAPI) GetDateRange(ctx context.Context, cred identity.Credential) (domain.DateRange, error) {
	f.record("get_range")
	if f.rangeErr != nil {
		return domain.DateRange{}, f.rangeErr
	}
	return f.rangeValue, nil
}

func (f *fakeAPI) PutDateRange(ctx context.Context, cred identity.Credential, r domain.DateRange) error {
	f.record("put_range")
	return nil
}

var _ backend.API = (*fakeAPI)(nil)

type memCache struct {
	mu     sync.Mutex
	ranges map[string]domain.DateRange
}

func newMemCache() *memCache {
	return &memCache{ranges: make(map[string]domain.DateRange)}
}

func (c *memCache) GetDateRange(ctx context.Context, userID string) (domain.DateRange, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.ranges[userID]
	return r, ok, nil
}

func (c *memCache) PutDateRange(ctx context.Context, userID string, r domain.DateRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges[userID] = r
	return nil
}

func (c *memCache) DeleteDateRange(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ranges, userID)
	return nil
}

func (c *memCache) Ping(ctx context.Context) error { return nil }
func (c *memCache) Close() error                   { return nil }

type captureBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (b *captureBroadcaster) Broadcast(userID string, event Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *captureBroadcaster) byType(t EventType) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestOrchestrator(api *fakeAPI) (*Orchestrator, *captureBroadcaster) {
	ranges := daterange.New(api, newMemCache(), NopNotifier{}, nil)
	events := &captureBroadcaster{}
	return NewOrchestrator("user-1", api, ranges, events, nil, nil), events
}

// NopNotifier satisfies daterange.Notifier for tests.
type NopNotifier = daterange.NopNotifier

func testCred() identity.Credential {
	return identity.Credential{UserID: "user-1", Token: "tok"}
}

func TestSendAppendsUserAndAgentMessages(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, events := newTestOrchestrator(api)

	userMsg, agentMsg, err := o.Send(context.Background(), testCred(), "how is campaign X doing?")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if agentMsg == nil {
		t.Fatal("expected agent message")
	}
	if agentMsg.Content != "hi there" {
		t.Fatalf("expected normalized reply %q, got %q", "hi there", agentMsg.Content)
	}

	st := o.Snapshot()
	if len(st.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(st.Sessions))
	}
	sess := st.Sessions[0]
	if len(sess.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sess.Messages))
	}
	if sess.Messages[0].ID != userMsg.ID || sess.Messages[0].Role != domain.RoleUser {
		t.Fatalf("first message should be the user message: %+v", sess.Messages[0])
	}
	if sess.Messages[1].Role != domain.RoleAgent {
		t.Fatalf("second message should be the agent reply: %+v", sess.Messages[1])
	}
	if sess.Title != "how is campaign X doing?" {
		t.Fatalf("expected derived title, got %q", sess.Title)
	}
	if st.Sending {
		t.Fatal("sending slot should be free after completion")
	}
	if len(st.ErroredMessageIDs) != 0 {
		t.Fatalf("no messages should be errored: %v", st.ErroredMessageIDs)
	}

	appended := events.byType(EventMessageAppended)
	if len(appended) != 2 {
		t.Fatalf("expected 2 appended events, got %d", len(appended))
	}

	o.Wait()
	api.mu.Lock()
	persisted := len(api.updatedMessages)
	api.mu.Unlock()
	if persisted != 1 {
		t.Fatalf("expected one persisted session, got %d", persisted)
	}
}

func TestSendFailureKeepsUserMessageAndMarksError(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.replyErr = errors.New("upstream 502")
	o, events := newTestOrchestrator(api)

	userMsg, agentMsg, err := o.Send(context.Background(), testCred(), "hello")
	if !errors.Is(err, ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}
	if agentMsg != nil {
		t.Fatal("no agent message expected on failure")
	}

	st := o.Snapshot()
	if len(st.Sessions) != 1 || len(st.Sessions[0].Messages) != 1 {
		t.Fatalf("expected exactly the user message to remain: %+v", st.Sessions)
	}
	if st.Sessions[0].Messages[0].ID != userMsg.ID {
		t.Fatal("surviving message should be the sent user message")
	}
	if len(st.ErroredMessageIDs) != 1 || st.ErroredMessageIDs[0] != userMsg.ID {
		t.Fatalf("expected the user message in the error set, got %v", st.ErroredMessageIDs)
	}
	if st.Sending {
		t.Fatal("sending slot should be free after failure")
	}
	if got := events.byType(EventMessageErrored); len(got) != 1 || got[0].MessageID != userMsg.ID {
		t.Fatalf("expected one errored event for the user message, got %+v", got)
	}

	// A later send must not be blocked by the failure.
	api.replyErr = nil
	if _, _, err := o.Send(context.Background(), testCred(), "retry"); err != nil {
		t.Fatalf("follow-up send failed: %v", err)
	}
	o.Wait()
}

func TestSendGuards(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	if _, _, err := o.Send(context.Background(), testCred(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, _, err := o.Send(context.Background(), identity.Credential{}, "hi"); !errors.Is(err, ErrSetupRequired) {
		t.Fatalf("expected ErrSetupRequired, got %v", err)
	}

	st := o.Snapshot()
	if len(st.Sessions) != 0 {
		t.Fatalf("rejected sends must not create sessions: %+v", st.Sessions)
	}
}

func TestSendBusyWhileInFlight(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.replyBlock = make(chan struct{})
	o, _ := newTestOrchestrator(api)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = o.Send(context.Background(), testCred(), "first")
	}()

	// Wait until the first send holds the slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if o.Snapshot().Sending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for send to start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, _, err := o.Send(context.Background(), testCred(), "second"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(api.replyBlock)
	<-done
	o.Wait()
}

func TestDismissError(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.replyErr = errors.New("boom")
	o, events := newTestOrchestrator(api)

	userMsg, _, _ := o.Send(context.Background(), testCred(), "hello")
	o.DismissError(userMsg.ID)

	st := o.Snapshot()
	if len(st.ErroredMessageIDs) != 0 {
		t.Fatalf("error set should be empty after dismiss: %v", st.ErroredMessageIDs)
	}
	if len(st.Sessions[0].Messages) != 1 {
		t.Fatal("dismiss must not remove the message")
	}
	if got := events.byType(EventMessageDismissed); len(got) != 1 {
		t.Fatalf("expected one dismissed event, got %d", len(got))
	}

	// Unknown IDs are silent.
	o.DismissError("nope")
	if got := events.byType(EventMessageDismissed); len(got) != 1 {
		t.Fatal("dismissing an unknown ID must not broadcast")
	}
}

func TestEditAndResendTruncatesAndPersistsBeforeReply(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	if _, _, err := o.Send(context.Background(), testCred(), "first question"); err != nil {
		t.Fatalf("seed send 1 failed: %v", err)
	}
	if _, _, err := o.Send(context.Background(), testCred(), "second question"); err != nil {
		t.Fatalf("seed send 2 failed: %v", err)
	}
	o.Wait()

	st := o.Snapshot()
	firstID := st.Sessions[0].Messages[0].ID

	api.mu.Lock()
	api.calls = nil
	api.mu.Unlock()

	agentMsg, err := o.EditAndResend(context.Background(), testCred(), firstID, "rephrased question")
	if err != nil {
		t.Fatalf("EditAndResend failed: %v", err)
	}
	if agentMsg == nil {
		t.Fatal("expected a fresh agent reply")
	}

	st = o.Snapshot()
	msgs := st.Sessions[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected edited message plus new reply, got %d messages", len(msgs))
	}
	if msgs[0].ID != firstID || msgs[0].Content != "rephrased question" {
		t.Fatalf("expected edited first message, got %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAgent {
		t.Fatalf("expected agent reply last, got %+v", msgs[1])
	}
	if st.PendingEditID != "" || st.EditBuffer != "" {
		t.Fatal("pending edit must clear after resend")
	}

	// The truncated list must reach the remote store before the agent call.
	calls := api.callLog()
	var updateIdx, agentIdx = -1, -1
	for i, c := range calls {
		if c == "update" && updateIdx == -1 {
			updateIdx = i
		}
		if c == "agent" && agentIdx == -1 {
			agentIdx = i
		}
	}
	if updateIdx == -1 || agentIdx == -1 || updateIdx > agentIdx {
		t.Fatalf("expected persistence before the agent call, call order: %v", calls)
	}
	o.Wait()
}

func TestResendRetriesErroredMessage(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.replyErr = errors.New("upstream 502")
	o, _ := newTestOrchestrator(api)

	userMsg, _, err := o.Send(context.Background(), testCred(), "flaky question")
	if !errors.Is(err, ErrAgentFailed) {
		t.Fatalf("expected ErrAgentFailed, got %v", err)
	}

	api.replyErr = nil
	agentMsg, err := o.Resend(context.Background(), testCred(), userMsg.ID)
	if err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if agentMsg == nil {
		t.Fatal("expected agent reply on retry")
	}

	st := o.Snapshot()
	if len(st.ErroredMessageIDs) != 0 {
		t.Fatalf("successful retry must clear the error flag: %v", st.ErroredMessageIDs)
	}
	msgs := st.Sessions[0].Messages
	if len(msgs) != 2 || msgs[0].Content != "flaky question" || msgs[1].Role != domain.RoleAgent {
		t.Fatalf("expected the retried exchange, got %+v", msgs)
	}
	o.Wait()
}

func TestBeginAndCancelEdit(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	userMsg, _, err := o.Send(context.Background(), testCred(), "original words")
	if err != nil {
		t.Fatalf("seed send failed: %v", err)
	}

	o.BeginEdit(userMsg.ID)
	st := o.Snapshot()
	if st.PendingEditID != userMsg.ID {
		t.Fatalf("expected pending edit %q, got %q", userMsg.ID, st.PendingEditID)
	}
	if st.EditBuffer != "original words" {
		t.Fatalf("scratch buffer should hold current content, got %q", st.EditBuffer)
	}

	// A second BeginEdit replaces the first; there is only one slot.
	st2 := o.Snapshot()
	agentID := st2.Sessions[0].Messages[1].ID
	o.BeginEdit(agentID)
	if got := o.Snapshot().PendingEditID; got != agentID {
		t.Fatalf("expected pending edit to move to %q, got %q", agentID, got)
	}

	o.CancelEdit()
	st = o.Snapshot()
	if st.PendingEditID != "" || st.EditBuffer != "" {
		t.Fatal("cancel must clear the pending edit and buffer")
	}

	// Unknown ID is a no-op.
	o.BeginEdit("missing")
	if o.Snapshot().PendingEditID != "" {
		t.Fatal("begin edit for unknown message must not set the slot")
	}
	o.Wait()
}

func TestDeleteMessageRemovesTail(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	if _, _, err := o.Send(context.Background(), testCred(), "one"); err != nil {
		t.Fatalf("seed send 1 failed: %v", err)
	}
	if _, _, err := o.Send(context.Background(), testCred(), "two"); err != nil {
		t.Fatalf("seed send 2 failed: %v", err)
	}

	st := o.Snapshot()
	if len(st.Sessions[0].Messages) != 4 {
		t.Fatalf("expected 4 seeded messages, got %d", len(st.Sessions[0].Messages))
	}
	thirdID := st.Sessions[0].Messages[2].ID

	o.DeleteMessage(context.Background(), testCred(), thirdID)

	st = o.Snapshot()
	msgs := st.Sessions[0].Messages
	if len(msgs) != 2 {
		t.Fatalf("expected the first exchange to survive, got %d messages", len(msgs))
	}
	if msgs[0].Content != "one" {
		t.Fatalf("unexpected surviving head: %+v", msgs[0])
	}
	o.Wait()
}

func TestDeleteMessageClearsPendingEditAndError(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.replyErr = errors.New("boom")
	o, _ := newTestOrchestrator(api)

	userMsg, _, _ := o.Send(context.Background(), testCred(), "doomed")
	o.BeginEdit(userMsg.ID)

	o.DeleteMessage(context.Background(), testCred(), userMsg.ID)

	st := o.Snapshot()
	if len(st.ErroredMessageIDs) != 0 {
		t.Fatalf("error set should drop removed messages: %v", st.ErroredMessageIDs)
	}
	if st.PendingEditID != "" {
		t.Fatal("pending edit should clear when its message is removed")
	}
	if len(st.Sessions[0].Messages) != 0 {
		t.Fatal("message should be gone")
	}
	o.Wait()
}

func TestBootstrapSelectsMostRecentSession(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	older := domain.ChatSession{LocalID: "l-old", RemoteID: "r-old", Title: "Old", UpdatedAt: time.Now().Add(-2 * time.Hour)}
	newer := domain.ChatSession{LocalID: "l-new", RemoteID: "r-new", Title: "New", UpdatedAt: time.Now().Add(-time.Minute)}
	api.sessions = []domain.ChatSession{older, newer}
	o, _ := newTestOrchestrator(api)

	o.Bootstrap(context.Background(), testCred())

	st := o.Snapshot()
	if len(st.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(st.Sessions))
	}
	if st.ActiveSessionID != "l-new" {
		t.Fatalf("expected most recent session active, got %q", st.ActiveSessionID)
	}
	if st.Sessions[0].LocalID != "l-new" {
		t.Fatalf("expected sessions ordered most-recent first, got %q", st.Sessions[0].LocalID)
	}

	// Bootstrap runs once; a second call must not reload.
	before := len(api.callLog())
	o.Bootstrap(context.Background(), testCred())
	if after := len(api.callLog()); after != before {
		t.Fatal("second bootstrap must be a no-op")
	}
}

func TestBootstrapFailureNotifiesAndStaysUsable(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	api.listErr = errors.New("platform down")
	o, events := newTestOrchestrator(api)

	o.Bootstrap(context.Background(), testCred())

	if got := events.byType(EventNotification); len(got) != 1 {
		t.Fatalf("expected one notification, got %d", len(got))
	}

	// Sends still work by creating a session on demand.
	if _, _, err := o.Send(context.Background(), testCred(), "still here"); err != nil {
		t.Fatalf("send after failed bootstrap: %v", err)
	}
	o.Wait()
}

func TestCreateSessionRemoteFirst(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, events := newTestOrchestrator(api)

	sess, err := o.CreateSession(context.Background(), testCred(), "")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.Title != domain.DefaultSessionTitle {
		t.Fatalf("expected placeholder title, got %q", sess.Title)
	}
	if sess.RemoteID == "" {
		t.Fatal("expected remote ID from the platform")
	}
	st := o.Snapshot()
	if st.ActiveSessionID != sess.LocalID {
		t.Fatal("created session should become active")
	}

	api.createErr = errors.New("platform down")
	if _, err := o.CreateSession(context.Background(), testCred(), "x"); err == nil {
		t.Fatal("expected error when remote create fails")
	}
	if got := o.Snapshot(); len(got.Sessions) != 1 {
		t.Fatalf("failed create must not add a local session, got %d", len(got.Sessions))
	}
	if got := events.byType(EventNotification); len(got) != 1 {
		t.Fatalf("expected one failure notification, got %d", len(got))
	}
}

func TestDeleteSessionMovesActivePointer(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	first, err := o.CreateSession(context.Background(), testCred(), "first")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := o.CreateSession(context.Background(), testCred(), "second")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := o.DeleteSession(context.Background(), testCred(), second.LocalID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	st := o.Snapshot()
	if len(st.Sessions) != 1 || st.Sessions[0].LocalID != first.LocalID {
		t.Fatalf("expected only the first session to remain: %+v", st.Sessions)
	}
	if st.ActiveSessionID != first.LocalID {
		t.Fatalf("expected active pointer to move to the remaining session, got %q", st.ActiveSessionID)
	}

	// Remote already gone is fine.
	api.deleteErr = backend.ErrNotFound
	if err := o.DeleteSession(context.Background(), testCred(), first.LocalID); err != nil {
		t.Fatalf("delete of remotely missing session should succeed: %v", err)
	}
	if st := o.Snapshot(); st.ActiveSessionID != "" || len(st.Sessions) != 0 {
		t.Fatalf("expected empty state, got %+v", st)
	}
}

func TestDeleteSessionRemoteFailureKeepsState(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	sess, err := o.CreateSession(context.Background(), testCred(), "keep me")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	api.deleteErr = errors.New("platform down")

	if err := o.DeleteSession(context.Background(), testCred(), sess.LocalID); err == nil {
		t.Fatal("expected delete to fail")
	}
	st := o.Snapshot()
	if len(st.Sessions) != 1 || st.ActiveSessionID != sess.LocalID {
		t.Fatalf("failed delete must leave state untouched: %+v", st)
	}
}

func TestSelectSession(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	first, _ := o.CreateSession(context.Background(), testCred(), "a")
	second, _ := o.CreateSession(context.Background(), testCred(), "b")

	o.SelectSession(first.LocalID)
	if got := o.Snapshot().ActiveSessionID; got != first.LocalID {
		t.Fatalf("expected %q active, got %q", first.LocalID, got)
	}

	o.SelectSession("missing")
	if got := o.Snapshot().ActiveSessionID; got != first.LocalID {
		t.Fatalf("unknown select must not move the pointer, got %q", got)
	}
	_ = second
}

func TestRenameSession(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	sess, _ := o.CreateSession(context.Background(), testCred(), "before")
	if err := o.RenameSession(context.Background(), testCred(), sess.LocalID, "after"); err != nil {
		t.Fatalf("RenameSession failed: %v", err)
	}
	if got := o.Snapshot().Sessions[0].Title; got != "after" {
		t.Fatalf("expected renamed title, got %q", got)
	}

	api.renameErr = errors.New("platform down")
	if err := o.RenameSession(context.Background(), testCred(), sess.LocalID, "never"); err == nil {
		t.Fatal("expected rename to fail")
	}
	if got := o.Snapshot().Sessions[0].Title; got != "after" {
		t.Fatalf("failed rename must keep the old title, got %q", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	if _, _, err := o.Send(context.Background(), testCred(), "hello"); err != nil {
		t.Fatalf("seed send failed: %v", err)
	}
	st := o.Snapshot()
	st.Sessions[0].Messages[0].Content = "mutated"
	st.Sessions[0].Title = "mutated"

	fresh := o.Snapshot()
	if fresh.Sessions[0].Messages[0].Content == "mutated" {
		t.Fatal("snapshot messages must not alias orchestrator state")
	}
	if fresh.Sessions[0].Title == "mutated" {
		t.Fatal("snapshot sessions must not alias orchestrator state")
	}
	o.Wait()
}

func TestCoalescedPersistWritesLatestState(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	o, _ := newTestOrchestrator(api)

	for i := range 3 {
		if _, _, err := o.Send(context.Background(), testCred(), fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	o.Wait()

	st := o.Snapshot()
	want := len(st.Sessions[0].Messages)

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.updatedMessages) != 1 {
		t.Fatalf("expected one persisted session, got %d", len(api.updatedMessages))
	}
	for _, msgs := range api.updatedMessages {
		if len(msgs) != want {
			t.Fatalf("final persisted list should hold all %d messages, got %d", want, len(msgs))
		}
	}
}

func TestRegistryReusesOrchestratorPerUser(t *testing.T) {
	t.Parallel()

	api := newFakeAPI()
	ranges := daterange.New(api, newMemCache(), NopNotifier{}, nil)
	reg := NewRegistry(api, ranges, nil, nil, nil)
	defer reg.Close()

	cred := testCred()
	a := reg.ForUser(context.Background(), cred)
	b := reg.ForUser(context.Background(), cred)
	if a != b {
		t.Fatal("expected the same orchestrator for the same user")
	}

	other := reg.ForUser(context.Background(), identity.Credential{UserID: "user-2", Token: "t"})
	if other == a {
		t.Fatal("expected distinct orchestrators per user")
	}

	if _, _, err := a.Send(context.Background(), cred, "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	reg.Remove(context.Background(), cred.UserID)

	c := reg.ForUser(context.Background(), cred)
	if c == a {
		t.Fatal("expected a fresh orchestrator after removal")
	}
	if st := c.Snapshot(); st.ActiveSessionID == "" && len(st.Sessions) != 0 {
		t.Fatalf("fresh orchestrator should start empty before bootstrap fills it: %+v", st)
	}
	c.Wait()
}
