// Package chat implements the session and message orchestration layer: the
// state machine behind send, edit, resend and delete, with optimistic
// updates and per-message error tracking.
package chat

import (
	"github.com/adlytic/assistant/internal/domain"
)

// The functions below are pure list transformations with no I/O. An unknown
// messageID returns the input unchanged, so they are safe to call
// speculatively from handlers that may race with a session switch.

// TruncateAfter returns all messages up to and including messageID, dropping
// everything after it. A resend invalidates every downstream agent reply.
func TruncateAfter(msgs []domain.Message, messageID string) []domain.Message {
	for i := range msgs {
		if msgs[i].ID == messageID {
			out := make([]domain.Message, i+1)
			copy(out, msgs[:i+1])
			return out
		}
	}
	return msgs
}

// ApplyEdit returns the list with the target message's content replaced.
// Role, ID and position are preserved.
func ApplyEdit(msgs []domain.Message, messageID, newContent string) []domain.Message {
	for i := range msgs {
		if msgs[i].ID == messageID {
			out := make([]domain.Message, len(msgs))
			copy(out, msgs)
			out[i].Content = newContent
			return out
		}
	}
	return msgs
}

// RemoveFrom returns the list with messageID and everything after it removed.
func RemoveFrom(msgs []domain.Message, messageID string) []domain.Message {
	for i := range msgs {
		if msgs[i].ID == messageID {
			out := make([]domain.Message, i)
			copy(out, msgs[:i])
			return out
		}
	}
	return msgs
}
