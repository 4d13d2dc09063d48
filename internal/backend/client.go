package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/adlytic/assistant/internal/domain"
	"github.com/adlytic/assistant/internal/identity"
)

// maxResponseBody caps how much of an upstream reply we will read (4MB).
const maxResponseBody = 4 << 20

// API is the slice of the platform the gateway consumes. Implemented by
// Client; tests substitute fakes.
type API interface {
	// AgentReply asks the agent for a reply. The response body is returned
	// raw: its shape is unstable and belongs to the normalize package.
	AgentReply(ctx context.Context, cred identity.Credential, req AgentRequest) ([]byte, error)

	// ListSessions returns the user's persisted chat sessions.
	ListSessions(ctx context.Context, cred identity.Credential) ([]domain.ChatSession, error)

	// CreateSession creates an empty titled session.
	CreateSession(ctx context.Context, cred identity.Credential, title string) (domain.ChatSession, error)

	// RenameSession updates a session's title.
	RenameSession(ctx context.Context, cred identity.Credential, remoteID, title string) (domain.ChatSession, error)

	// UpdateSessionMessages replaces a session's message list.
	UpdateSessionMessages(ctx context.Context, cred identity.Credential, remoteID string, msgs []domain.Message) error

	// DeleteSession removes a session and all of its messages.
	DeleteSession(ctx context.Context, cred identity.Credential, remoteID string) error

	// GetDateRange fetches the user's analysis date range setting.
	GetDateRange(ctx context.Context, cred identity.Credential) (domain.DateRange, error)

	// PutDateRange stores the user's analysis date range setting.
	PutDateRange(ctx context.Context, cred identity.Credential, r domain.DateRange) error
}

// Ensure Client implements API.
var _ API = (*Client)(nil)

// Config holds platform client configuration.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	AgentTimeout   time.Duration
}

// DefaultConfig returns default configuration. Agent replies get a longer
// budget than store operations.
func DefaultConfig() Config {
	return Config{
		BaseURL:        getEnv("PLATFORM_API_URL", "http://localhost:9000"),
		RequestTimeout: 15 * time.Second,
		AgentTimeout:   90 * time.Second,
	}
}

// Client talks HTTP to the upstream platform. It performs no retries; retry
// policy belongs to the orchestrator.
type Client struct {
	cfg    Config
	http   *http.Client
	agent  *http.Client
	logger *slog.Logger
}

// NewClient creates a platform client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("platform base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid platform base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultConfig().AgentTimeout
	}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		agent:  &http.Client{Timeout: cfg.AgentTimeout},
		logger: logger,
	}, nil
}

// do issues one JSON request and decodes the reply into out (when non-nil).
func (c *Client) do(ctx context.Context, client *http.Client, cred identity.Credential, method, path string, body, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", op, err, ErrNetwork)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, ErrNetwork)
	}
	return nil
}

// AgentReply requests a reply from the agent and returns the body untouched.
func (c *Client) AgentReply(ctx context.Context, cred identity.Credential, agentReq AgentRequest) ([]byte, error) {
	const path = "/api/v1/agent/reply"

	data, err := json.Marshal(agentReq)
	if err != nil {
		return nil, fmt.Errorf("agent reply: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("agent reply: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.agent.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent reply: %v: %w", err, ErrNetwork)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close agent response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("agent reply", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("agent reply: read body: %w", ErrNetwork)
	}
	c.logger.Debug("agent reply received",
		"user_id", cred.UserID,
		"bytes", len(raw),
		"elapsed", time.Since(start),
	)
	return raw, nil
}

// ListSessions returns the user's persisted chat sessions.
func (c *Client) ListSessions(ctx context.Context, cred identity.Credential) ([]domain.ChatSession, error) {
	var recs []sessionRecord
	if err := c.do(ctx, c.http, cred, http.MethodGet, "/api/v1/chat/sessions", nil, &recs); err != nil {
		return nil, err
	}
	sessions := make([]domain.ChatSession, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, toDomainSession(rec))
	}
	return sessions, nil
}

// CreateSession creates an empty titled session.
func (c *Client) CreateSession(ctx context.Context, cred identity.Credential, title string) (domain.ChatSession, error) {
	body := map[string]string{"title": title}
	var rec sessionRecord
	if err := c.do(ctx, c.http, cred, http.MethodPost, "/api/v1/chat/sessions", body, &rec); err != nil {
		return domain.ChatSession{}, err
	}
	return toDomainSession(rec), nil
}

// RenameSession updates a session's title.
func (c *Client) RenameSession(ctx context.Context, cred identity.Credential, remoteID, title string) (domain.ChatSession, error) {
	body := map[string]string{"title": title}
	var rec sessionRecord
	path := "/api/v1/chat/sessions/" + url.PathEscape(remoteID)
	if err := c.do(ctx, c.http, cred, http.MethodPatch, path, body, &rec); err != nil {
		return domain.ChatSession{}, err
	}
	return toDomainSession(rec), nil
}

// UpdateSessionMessages replaces a session's message list.
func (c *Client) UpdateSessionMessages(ctx context.Context, cred identity.Credential, remoteID string, msgs []domain.Message) error {
	body := map[string]any{"messages": fromDomainMessages(msgs)}
	path := "/api/v1/chat/sessions/" + url.PathEscape(remoteID) + "/messages"
	return c.do(ctx, c.http, cred, http.MethodPut, path, body, nil)
}

// DeleteSession removes a session and all of its messages.
func (c *Client) DeleteSession(ctx context.Context, cred identity.Credential, remoteID string) error {
	path := "/api/v1/chat/sessions/" + url.PathEscape(remoteID)
	return c.do(ctx, c.http, cred, http.MethodDelete, path, nil, nil)
}

// GetDateRange fetches the user's analysis date range setting.
func (c *Client) GetDateRange(ctx context.Context, cred identity.Credential) (domain.DateRange, error) {
	var rec dateRangeRecord
	path := "/api/v1/users/" + url.PathEscape(cred.UserID) + "/settings/date-range"
	if err := c.do(ctx, c.http, cred, http.MethodGet, path, nil, &rec); err != nil {
		return domain.DateRange{}, err
	}
	return domain.DateRange{StartDate: rec.StartDate, EndDate: rec.EndDate}, nil
}

// PutDateRange stores the user's analysis date range setting.
func (c *Client) PutDateRange(ctx context.Context, cred identity.Credential, r domain.DateRange) error {
	rec := dateRangeRecord{StartDate: r.StartDate, EndDate: r.EndDate}
	path := "/api/v1/users/" + url.PathEscape(cred.UserID) + "/settings/date-range"
	return c.do(ctx, c.http, cred, http.MethodPut, path, rec, nil)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
