// Package client is a REST client for the livesync API. It satisfies
// notifications.Store, so a process without direct store access can still
// run a live notification feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Chrisleo-16/xtent-sub002/internal/api/models"
	"github.com/Chrisleo-16/xtent-sub002/pkg/realtime"
)

// ErrNotFound is matched by errors.Is for 404 responses
var ErrNotFound = errors.New("client: not found")

// Error is a non-2xx API response
type Error struct {
	StatusCode int
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client is an HTTP client for the livesync API
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// New creates a new API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    headers,
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// ListNotifications returns the newest limit notifications of a user
func (c *Client) ListNotifications(ctx context.Context, userID string, limit int) ([]*realtime.Notification, error) {
	path := userPath(userID)
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp models.ListNotificationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*realtime.Notification, 0, len(resp.Notifications))
	for _, n := range resp.Notifications {
		out = append(out, n.ToRealtime())
	}
	return out, nil
}

// GetNotification fetches one notification of a user
func (c *Client) GetNotification(ctx context.Context, userID, id string) (*realtime.Notification, error) {
	var resp models.NotificationResponse
	if err := c.do(ctx, http.MethodGet, userPath(userID)+"/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return resp.ToRealtime(), nil
}

// CreateNotification creates a notification for n.UserId
func (c *Client) CreateNotification(ctx context.Context, n *realtime.Notification) (*realtime.Notification, error) {
	req := models.CreateNotificationRequest{
		ID:      n.Id,
		Type:    n.Type,
		Title:   n.Title,
		Message: n.Message,
		Payload: n.Payload,
	}

	var resp models.NotificationResponse
	if err := c.do(ctx, http.MethodPost, userPath(n.UserId), &req, &resp); err != nil {
		return nil, err
	}
	return resp.ToRealtime(), nil
}

// MarkRead marks one notification read
func (c *Client) MarkRead(ctx context.Context, userID, id string) error {
	return c.do(ctx, http.MethodPost, userPath(userID)+"/"+url.PathEscape(id)+"/read", nil, nil)
}

// MarkAllRead marks every notification of a user read
func (c *Client) MarkAllRead(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, userPath(userID)+"/read-all", nil, nil)
}

// DeleteNotification removes a notification
func (c *Client) DeleteNotification(ctx context.Context, userID, id string) error {
	return c.do(ctx, http.MethodDelete, userPath(userID)+"/"+url.PathEscape(id), nil, nil)
}

// PublishChange publishes an arbitrary row change and returns its id
func (c *Client) PublishChange(ctx context.Context, change *realtime.Change) (string, error) {
	req := models.PublishChangeRequest{
		Type:      string(change.Type),
		Resource:  change.Resource,
		Record:    change.Record,
		OldRecord: change.OldRecord,
	}

	var resp models.ChangeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/changes", &req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Topics returns the relay topic snapshot
func (c *Client) Topics(ctx context.Context) (*models.TopicsResponse, error) {
	var resp models.TopicsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/topics", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func userPath(userID string) string {
	return "/v1/users/" + url.PathEscape(userID) + "/notifications"
}

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *Error          `json:"error"`
}

// do makes an HTTP request and decodes the data field into out
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &Error{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if env.Error == nil {
			env.Error = &Error{Message: resp.Status}
		}
		env.Error.StatusCode = resp.StatusCode
		return env.Error
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}
