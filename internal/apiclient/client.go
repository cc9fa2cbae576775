// Package apiclient is the HTTP client used by the terminal chat clients to
// talk to the session API. HTTP status codes map back to the domain sentinel
// errors so callers branch on errors.Is instead of status numbers.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NiklasHoffmann/livechat/internal/domain"
	"github.com/NiklasHoffmann/livechat/internal/service"
)

// Client talks to the chat HTTP API.
type Client struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
}

// New creates a client. adminToken may be empty for visitor use.
func New(baseURL, adminToken string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		adminToken: adminToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type sessionResponse struct {
	Session *domain.Session `json:"session"`
}

type sessionsResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

type messageResponse struct {
	Message *domain.Message `json:"message"`
}

type messagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

// CreateSession calls POST /v1/sessions. The returned session carries the
// server-assigned display name, which may differ from the requested one.
func (c *Client) CreateSession(ctx context.Context, displayName string) (*domain.Session, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions",
		map[string]string{"display_name": displayName}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// ValidateSession calls GET /v1/sessions/:id.
func (c *Client) ValidateSession(ctx context.Context, sessionID string) (service.Validation, error) {
	var v service.Validation
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID, nil, &v)
	return v, err
}

// UpdateDisplayName calls PATCH /v1/sessions/:id and returns the final name
// after server-side dedup.
func (c *Client) UpdateDisplayName(ctx context.Context, sessionID, displayName string) (string, error) {
	var resp struct {
		DisplayName string `json:"display_name"`
	}
	err := c.do(ctx, http.MethodPatch, "/v1/sessions/"+sessionID,
		map[string]string{"display_name": displayName}, &resp)
	if err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

// SetBlocked calls PATCH /v1/sessions/:id with the blocked flag. Admin only.
func (c *Client) SetBlocked(ctx context.Context, sessionID string, blocked bool) error {
	return c.do(ctx, http.MethodPatch, "/v1/sessions/"+sessionID,
		map[string]bool{"blocked": blocked}, nil)
}

// ListSessions calls GET /v1/sessions. Admin only.
func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var resp sessionsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// DeleteSession calls DELETE /v1/sessions/:id. Admin only.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+sessionID, nil, nil)
}

// DeleteAllSessions calls DELETE /v1/sessions. Admin only.
func (c *Client) DeleteAllSessions(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions", nil, nil)
}

// PostMessage calls POST /v1/sessions/:id/messages and returns the persisted
// copy. Never retried: a retry could double-send.
func (c *Client) PostMessage(ctx context.Context, sessionID string, sender domain.SenderRole, body string) (*domain.Message, error) {
	var resp messageResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/messages",
		map[string]string{"sender": string(sender), "body": body}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Message, nil
}

// GetMessages calls GET /v1/sessions/:id/messages.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var resp messagesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/messages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MarkRead calls POST /v1/sessions/:id/read. The call is idempotent, so a
// transient failure gets one retry after a short pause.
func (c *Client) MarkRead(ctx context.Context, sessionID string, reader domain.SenderRole) error {
	body := map[string]string{"reader": string(reader)}
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/read", body, nil)
	if err == nil || isDomainErr(err) {
		return err
	}
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/read", body, nil)
}

func isDomainErr(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrSessionBlocked) ||
		errors.Is(err, domain.ErrValidation)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	respBody, _ := io.ReadAll(resp.Body)
	detail := ""
	var errResp errorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
		detail = errResp.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.ErrSessionNotFound
	case http.StatusForbidden:
		return domain.ErrSessionBlocked
	case http.StatusBadRequest:
		if detail != "" {
			return fmt.Errorf("%w: %s", domain.ErrValidation, detail)
		}
		return domain.ErrValidation
	}
	if detail != "" {
		return fmt.Errorf("api error %d: %s", resp.StatusCode, detail)
	}
	return fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
}
