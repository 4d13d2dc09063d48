// Package backend implements the HTTP client for the upstream advertising
// analytics platform: the chat agent, the session store and user settings.
package backend

import (
	"time"

	"github.com/adlytic/assistant/internal/domain"
	"github.com/google/uuid"
)

// HistoryEntry is one prior message passed to the agent as context.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentRequest is the payload for a reply request. DaysToAnalyze is the
// inclusive day count derived from the range, omitted when the range is
// incomplete.
type AgentRequest struct {
	Message       string         `json:"message"`
	History       []HistoryEntry `json:"history,omitempty"`
	StartDate     string         `json:"start_date,omitempty"`
	EndDate       string         `json:"end_date,omitempty"`
	DaysToAnalyze *int           `json:"days_to_analyze,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
}

// messageRecord is the remote store's message shape. Dates travel as RFC3339
// strings.
type messageRecord struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// sessionRecord is the remote store's session shape.
type sessionRecord struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Messages  []messageRecord `json:"messages,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// dateRangeRecord is the settings endpoint's range shape.
type dateRangeRecord struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
}

func toDomainMessage(rec messageRecord) domain.Message {
	created, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		created = time.Time{}
	}
	return domain.Message{
		ID:        rec.ID,
		Content:   rec.Content,
		Role:      domain.Role(rec.Role),
		CreatedAt: created,
	}
}

func fromDomainMessage(m domain.Message) messageRecord {
	return messageRecord{
		ID:        m.ID,
		Content:   m.Content,
		Role:      string(m.Role),
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// toDomainSession maps a remote record into a local session. The local ID is
// minted here: the remote store has no notion of it.
func toDomainSession(rec sessionRecord) domain.ChatSession {
	s := domain.ChatSession{
		LocalID:  uuid.NewString(),
		RemoteID: rec.ID,
		Title:    rec.Title,
	}
	if created, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
		s.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339, rec.UpdatedAt); err == nil {
		s.UpdatedAt = updated
	}
	for _, m := range rec.Messages {
		s.Messages = append(s.Messages, toDomainMessage(m))
	}
	return s
}

func fromDomainMessages(msgs []domain.Message) []messageRecord {
	recs := make([]messageRecord, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, fromDomainMessage(m))
	}
	return recs
}
