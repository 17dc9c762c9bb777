// Package carelinesdk is a minimal Careline HTTP API client for caregiver
// dashboards and automation scripts.
package carelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Careline API server.
type Client struct {
	BaseURL     string
	BasePath    string // defaults to /v1
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID              string  `json:"id"`
	ChatID          int64   `json:"chat_id"`
	Description     string  `json:"description"`
	Category        string  `json:"category"`
	UrgencyTier     string  `json:"urgency_tier"`
	State           string  `json:"state"`
	DueAt           string  `json:"due_at"`
	EscalationCount int     `json:"escalation_count"`
	LastNotifiedAt  *string `json:"last_notified_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	ClosedAt        *string `json:"closed_at,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task listings with a cursor.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// CreateTaskOptions are the POST /tasks fields.
type CreateTaskOptions struct {
	ChatID      int64     `json:"chat_id"`
	Description string    `json:"description"`
	Category    string    `json:"category,omitempty"`
	UrgencyTier string    `json:"urgency_tier,omitempty"`
	DueAt       time.Time `json:"-"`
}

// CreateTask schedules a reminder task.
func (c *Client) CreateTask(ctx context.Context, opts CreateTaskOptions) (Task, error) {
	body := map[string]any{
		"chat_id":     opts.ChatID,
		"description": opts.Description,
		"due_at":      opts.DueAt.Format(time.RFC3339),
	}
	if opts.Category != "" {
		body["category"] = opts.Category
	}
	if opts.UrgencyTier != "" {
		body["urgency_tier"] = opts.UrgencyTier
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.path("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.path("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Tasks returns a page of tasks, newest first.
func (c *Client) Tasks(ctx context.Context, chatID int64, state string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if chatID != 0 {
		q.Set("chat_id", fmt.Sprintf("%d", chatID))
	}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.path("tasks")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Acknowledge marks a task done. Safe to call more than once.
func (c *Client) Acknowledge(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.path("tasks/"+url.PathEscape(id)+"/ack"), nil, &resp)
	return resp, err
}

// Cancel removes a task from rotation.
func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.path("tasks/"+url.PathEscape(id)+"/cancel"), nil, &resp)
	return resp, err
}

// Snooze pushes the next reminder out by the given number of minutes.
func (c *Client) Snooze(ctx context.Context, id string, minutes int) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.path("tasks/"+url.PathEscape(id)+"/snooze"),
		map[string]any{"minutes": minutes}, &resp)
	return resp, err
}

// Reschedule moves a task to a new due time.
func (c *Client) Reschedule(ctx context.Context, id string, due time.Time) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, c.path("tasks/"+url.PathEscape(id)),
		map[string]any{"due_at": due.Format(time.RFC3339)}, &resp)
	return resp, err
}

// Rename changes a task description.
func (c *Client) Rename(ctx context.Context, id, description string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, c.path("tasks/"+url.PathEscape(id)),
		map[string]any{"description": description}, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	endpoint := c.path("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := c.BasePath
	if base == "" {
		base = "/v1"
	}
	return strings.Trim(base, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
