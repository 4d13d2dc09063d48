package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one NDJSON line in a conversation log.
type ConversationLogEvent struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	Direction string         `json:"direction"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ConversationLogger appends chat traffic to per-session NDJSON files. Writes
// go through a bounded queue on a single writer goroutine; when the queue is
// full events are dropped rather than stalling a send.
type ConversationLogger struct {
	cfg    ConversationLogConfig
	logger *slog.Logger
	queue  chan ConversationLogEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewConversationLogger creates the logger and starts its writer. A disabled
// config returns a logger whose methods are no-ops.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (*ConversationLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ConversationLogger{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("conversation log dir required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
		l.cfg.QueueSize = 1000
	}

	l.queue = make(chan ConversationLogEvent, l.cfg.QueueSize)
	go l.run()
	return l, nil
}

// Log enqueues an event. Never blocks.
func (l *ConversationLogger) Log(event ConversationLogEvent) {
	if l == nil || !l.cfg.Enabled {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("conversation log queue full, dropping event",
			"user_id", event.UserID, "session_id", event.SessionID)
	}
}

// LogUserMessage records an outbound user message.
func (l *ConversationLogger) LogUserMessage(userID, sessionID, content string) {
	l.Log(ConversationLogEvent{
		UserID:    userID,
		SessionID: sessionID,
		Direction: "outbound",
		EventType: "chat_user_message",
		Content:   content,
	})
}

// LogAgentMessage records an inbound agent reply.
func (l *ConversationLogger) LogAgentMessage(userID, sessionID, content string) {
	l.Log(ConversationLogEvent{
		UserID:    userID,
		SessionID: sessionID,
		Direction: "inbound",
		EventType: "chat_agent_message",
		Content:   content,
	})
}

// LogError records a failed exchange.
func (l *ConversationLogger) LogError(userID, sessionID, errMsg string) {
	l.Log(ConversationLogEvent{
		UserID:    userID,
		SessionID: sessionID,
		Direction: "inbound",
		EventType: "chat_error",
		Content:   errMsg,
	})
}

// Close drains the queue and stops the writer.
func (l *ConversationLogger) Close() error {
	if l == nil || !l.cfg.Enabled {
		return nil
	}
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
	})
	return nil
}

func (l *ConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

func (l *ConversationLogger) write(event ConversationLogEvent) {
	line, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	dir := filepath.Join(l.cfg.Dir, sanitizePathComponent(event.UserID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		l.logger.Warn("failed to create conversation log dir", "error", err)
		return
	}
	path := filepath.Join(dir, sanitizePathComponent(event.SessionID)+".ndjson")
	if err := appendFile(path, line); err != nil {
		l.logger.Warn("failed to write conversation log", "path", path, "error", err)
	}

	if l.cfg.GlobalEnabled && l.cfg.GlobalPath != "" {
		if err := appendFile(l.cfg.GlobalPath, line); err != nil {
			l.logger.Warn("failed to write global conversation log", "error", err)
		}
	}
}

func appendFile(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(line)
	return err
}

// sanitizePathComponent keeps log file names inside the log directory.
func sanitizePathComponent(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == ':':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
