package domain

import (
	"time"
	"unicode/utf8"
)

// DefaultSessionTitle is the placeholder title a session carries until the
// first user message provides a better one.
const DefaultSessionTitle = "New chat"

// maxDerivedTitleRunes caps titles derived from message content.
const maxDerivedTitleRunes = 60

// ChatSession is a titled conversation thread. LocalID is assigned at
// creation and stable for the process lifetime; RemoteID is set once the
// remote store acknowledges creation and is used for all remote operations.
type ChatSession struct {
	LocalID   string    `json:"local_id"`
	RemoteID  string    `json:"remote_id,omitempty"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FindMessage returns the index of the message with the given ID, or -1.
func (s *ChatSession) FindMessage(messageID string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

// RecentMessages returns up to n of the most recent messages in
// chronological order.
func (s *ChatSession) RecentMessages(n int) []Message {
	if n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// DeriveTitle updates the title from the first user message. It only fires
// while the session still holds the default placeholder title and contains
// exactly one message.
func (s *ChatSession) DeriveTitle() {
	if s.Title != DefaultSessionTitle || len(s.Messages) != 1 {
		return
	}
	first := s.Messages[0]
	if first.Role != RoleUser || first.Content == "" {
		return
	}
	s.Title = TruncateTitle(first.Content)
}

// TruncateTitle trims content to a displayable title length.
func TruncateTitle(content string) string {
	if utf8.RuneCountInString(content) <= maxDerivedTitleRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxDerivedTitleRunes-1]) + "…"
}
