package sepflowsdk

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
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal sepflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only honor
	// it in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Comment struct {
	Author string `json:"author"`
	Text   string `json:"text"`
	At     string `json:"at"`
}

type Application struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Status            string    `json:"status"`
	NeedsReview       bool      `json:"needs_review"`
	FinancialComment  string    `json:"financial_comment,omitempty"`
	FinancialComments []Comment `json:"financial_comments,omitempty"`
	RejectionReason   string    `json:"rejection_reason,omitempty"`
	CreatedBy         string    `json:"created_by"`
	Version           int64     `json:"version"`
	CreatedAt         string    `json:"created_at"`
	UpdatedAt         string    `json:"updated_at"`
}

type Task struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	AssigneeID    *string   `json:"assignee_id,omitempty"`
	Comments      []Comment `json:"comments,omitempty"`
	Status        string    `json:"status"`
	Version       int64     `json:"version"`
}

type Request struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	ApplicationID string `json:"application_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status"`
	CreatedBy     string `json:"created_by"`
	DecidedBy     string `json:"decided_by,omitempty"`
	Version       int64  `json:"version"`
}

type Employee struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Version    int64  `json:"version"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Inbox struct {
	Applications []Application `json:"applications"`
	Tasks        []Task        `json:"tasks"`
	Requests     []Request     `json:"requests"`
}

type Me struct {
	ActorID      string   `json:"actor_id"`
	Role         string   `json:"role"`
	EmployeeID   string   `json:"employee_id,omitempty"`
	Source       string   `json:"source"`
	Capabilities []string `json:"capabilities"`
}

// Command is a raw workflow command for Dispatch.
type Command struct {
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id,omitempty"`
	Action          string         `json:"action"`
	Payload         map[string]any `json:"payload,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
}

type DispatchResult struct {
	Entity  json.RawMessage   `json:"entity"`
	Created []json.RawMessage `json:"created"`
	Effects []string          `json:"effects"`
	Events  []Event           `json:"events"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CurrentVersion is the entity version reported with a conflict, or 0.
func (e *APIError) CurrentVersion() int64 {
	switch v := e.Details["current_version"].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// IsConflict reports whether err is a stale expected_version rejection.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "conflict"
}

// RetryOnConflict runs fn until it succeeds, fails with anything but a conflict,
// or maxRetries conflicts have been seen. fn must re-read the entity it writes.
func RetryOnConflict(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil || IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (c *Client) CreateApplication(ctx context.Context, name, description string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications", map[string]any{
		"name":        name,
		"description": description,
	}, &resp)
	return resp, err
}

func (c *Client) GetApplication(ctx context.Context, id string) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodGet, "applications/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListApplications filters by status; needsReview is ignored when nil.
func (c *Client) ListApplications(ctx context.Context, statuses []string, needsReview *bool) ([]Application, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if needsReview != nil {
		q.Set("needs_review", strconv.FormatBool(*needsReview))
	}
	var resp []Application
	err := c.do(ctx, http.MethodGet, withQuery("applications", q), nil, &resp)
	return resp, err
}

// ReviewApplication approves, rejects or comments on an application under review.
func (c *Client) ReviewApplication(ctx context.Context, id, action, comment, reason string, expectedVersion int64) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(id)+"/review", map[string]any{
		"action":           action,
		"comment":          comment,
		"reason":           reason,
		"expected_version": expectedVersion,
	}, &resp)
	return resp, err
}

// AdvanceApplication moves an application one step along approved, open, in_progress, closed.
func (c *Client) AdvanceApplication(ctx context.Context, id string, expectedVersion int64) (Application, error) {
	var resp Application
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(id)+"/status", map[string]any{
		"expected_version": expectedVersion,
	}, &resp)
	return resp, err
}

// AssignTask creates a task under an application. expectedVersion is the application's.
func (c *Client) AssignTask(ctx context.Context, applicationID, name, employeeID string, expectedVersion int64) (Application, Task, error) {
	var resp struct {
		Application Application `json:"application"`
		Task        Task        `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "applications/"+url.PathEscape(applicationID)+"/tasks", map[string]any{
		"name":             name,
		"employee_id":      employeeID,
		"expected_version": expectedVersion,
	}, &resp)
	return resp.Application, resp.Task, err
}

func (c *Client) ListTasks(ctx context.Context, applicationID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "applications/"+url.PathEscape(applicationID)+"/tasks", nil, &resp)
	return resp, err
}

func (c *Client) ReassignTask(ctx context.Context, taskID, employeeID string, expectedVersion int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/assign", map[string]any{
		"employee_id":      employeeID,
		"expected_version": expectedVersion,
	}, &resp)
	return resp, err
}

func (c *Client) CommentTask(ctx context.Context, taskID, text string, expectedVersion int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/comments", map[string]any{
		"text":             text,
		"expected_version": expectedVersion,
	}, &resp)
	return resp, err
}

func (c *Client) MyTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks/mine", nil, &resp)
	return resp, err
}

func (c *Client) CreateRequest(ctx context.Context, kind, applicationID, name, description string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", map[string]any{
		"kind":           kind,
		"application_id": applicationID,
		"name":           name,
		"description":    description,
	}, &resp)
	return resp, err
}

// DecideRequest approves or rejects a request under review.
func (c *Client) DecideRequest(ctx context.Context, id, decision string, expectedVersion int64) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/decision", map[string]any{
		"decision":         decision,
		"expected_version": expectedVersion,
	}, &resp)
	return resp, err
}

func (c *Client) ListRequests(ctx context.Context, applicationID, kind string) ([]Request, error) {
	q := url.Values{}
	if applicationID != "" {
		q.Set("application_id", applicationID)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	var resp []Request
	err := c.do(ctx, http.MethodGet, withQuery("requests", q), nil, &resp)
	return resp, err
}

func (c *Client) RecruitEmployee(ctx context.Context, id, name, department string) (Employee, error) {
	var resp Employee
	err := c.do(ctx, http.MethodPost, "employees", map[string]any{
		"id":         id,
		"name":       name,
		"department": department,
	}, &resp)
	return resp, err
}

func (c *Client) ListEmployees(ctx context.Context, department string) ([]Employee, error) {
	q := url.Values{}
	if department != "" {
		q.Set("department", department)
	}
	var resp []Employee
	err := c.do(ctx, http.MethodGet, withQuery("employees", q), nil, &resp)
	return resp, err
}

// Dispatch sends a raw command and returns the committed result.
func (c *Client) Dispatch(ctx context.Context, cmd Command) (DispatchResult, error) {
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, "dispatch", cmd, &resp)
	return resp, err
}

// AvailableActions lists what the caller may do now; entityType is application, task or request.
func (c *Client) AvailableActions(ctx context.Context, entityType, id string) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%ss/%s/actions", entityType, url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) Inbox(ctx context.Context) (Inbox, error) {
	var resp Inbox
	err := c.do(ctx, http.MethodGet, "inbox", nil, &resp)
	return resp, err
}

func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
