package inspectlinesdk

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

// Client is a minimal Inspectline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set; servers
	// accept it only in dev mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type ScoredItem struct {
	ItemID  string `json:"item_id"`
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// Report represents the API report model (partial).
type Report struct {
	ID                string       `json:"id"`
	ReferenceNumber   string       `json:"reference_number"`
	InspectorID       string       `json:"inspector_id"`
	LocationID        string       `json:"location_id"`
	Date              string       `json:"date"`
	Status            string       `json:"status"`
	Items             []ScoredItem `json:"items"`
	SupervisorComment string       `json:"supervisor_comment"`
	Version           int          `json:"version"`
}

type ReportView struct {
	Report   Report   `json:"report"`
	Score    float64  `json:"score"`
	Band     string   `json:"band"`
	Allowed  []string `json:"allowed_transitions"`
	Replayed bool     `json:"replayed"`
}

// ReportTransition carries the target status and its optional payload.
type ReportTransition struct {
	To                   string   `json:"to"`
	ExpectedVersion      int      `json:"expected_version"`
	SupervisorComment    string   `json:"supervisor_comment,omitempty"`
	RectificationActions string   `json:"rectification_actions,omitempty"`
	RectificationPhotos  []string `json:"rectification_photos,omitempty"`
	Feedback             string   `json:"feedback,omitempty"`
}

// Incident represents the API CDR model (partial).
type Incident struct {
	ID                  string   `json:"id"`
	ReferenceNumber     string   `json:"reference_number"`
	EmployeeID          string   `json:"employee_id"`
	LocationID          string   `json:"location_id"`
	Status              string   `json:"status"`
	ManpowerDiscrepancy []string `json:"manpower_discrepancy"`
	ManagerDecision     string   `json:"manager_decision"`
	InvoiceStatus       string   `json:"invoice_status"`
	Version             int      `json:"version"`
}

type InvoiceItem struct {
	Description string `json:"description"`
	Category    string `json:"category"`
	Amount      string `json:"amount"`
}

type Invoice struct {
	ID           string        `json:"id"`
	CDRID        string        `json:"cdr_id"`
	CDRReference string        `json:"cdr_reference"`
	Items        []InvoiceItem `json:"items"`
	TotalAmount  string        `json:"total_amount"`
	Currency     string        `json:"currency"`
	Status       string        `json:"status"`
}

type IncidentView struct {
	Incident       Incident `json:"incident"`
	Invoice        *Invoice `json:"invoice"`
	InvoicePending bool     `json:"invoice_pending"`
	Replayed       bool     `json:"replayed"`
}

type TaskProposal struct {
	ID          string   `json:"id"`
	LocationID  string   `json:"location_id"`
	InspectorID string   `json:"inspector_id"`
	DueDate     string   `json:"due_date"`
	Priority    string   `json:"priority"`
	Reason      string   `json:"reason"`
	LastScore   *float64 `json:"last_score"`
}

type Task struct {
	ID             string  `json:"id"`
	LocationID     string  `json:"location_id"`
	InspectorID    string  `json:"inspector_id"`
	DueDate        string  `json:"due_date"`
	Priority       string  `json:"priority"`
	Status         string  `json:"status"`
	LinkedReportID *string `json:"linked_report_id"`
}

type Notification struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Link      string `json:"link"`
	IsRead    bool   `json:"is_read"`
	Timestamp string `json:"timestamp"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details are filled from the
// server's error envelope when present.
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

// IsConflict reports a stale expected_version; Details["current_version"]
// holds the version to retry with.
func (e *APIError) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// CreateReport starts a draft report as the calling inspector.
func (c *Client) CreateReport(ctx context.Context, locationID string, items []ScoredItem) (ReportView, error) {
	body := map[string]any{
		"location_id": locationID,
		"items":       items,
	}
	var resp ReportView
	err := c.do(ctx, http.MethodPost, "reports", body, &resp)
	return resp, err
}

func (c *Client) GetReport(ctx context.Context, id string) (ReportView, error) {
	var resp ReportView
	err := c.do(ctx, http.MethodGet, "reports/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TransitionReport moves a report; repeating an applied transition returns
// the current state with Replayed set.
func (c *Client) TransitionReport(ctx context.Context, id string, t ReportTransition) (ReportView, error) {
	var resp ReportView
	err := c.do(ctx, http.MethodPost, "reports/"+url.PathEscape(id)+"/transitions", t, &resp)
	return resp, err
}

// CreateIncident opens a draft CDR. fields uses the API's snake_case names.
func (c *Client) CreateIncident(ctx context.Context, fields map[string]any) (IncidentView, error) {
	if _, ok := fields["in_charge"]; !ok {
		fields["in_charge"] = map[string]any{}
	}
	var resp IncidentView
	err := c.do(ctx, http.MethodPost, "incidents", fields, &resp)
	return resp, err
}

func (c *Client) TransitionIncident(ctx context.Context, id, to string, expectedVersion int, disposition, comment string) (IncidentView, error) {
	body := map[string]any{
		"to":               to,
		"expected_version": expectedVersion,
	}
	if disposition != "" {
		body["disposition"] = disposition
	}
	if comment != "" {
		body["manager_comment"] = comment
	}
	var resp IncidentView
	err := c.do(ctx, http.MethodPost, "incidents/"+url.PathEscape(id)+"/transitions", body, &resp)
	return resp, err
}

func (c *Client) RetryInvoice(ctx context.Context, incidentID string) (IncidentView, error) {
	var resp IncidentView
	err := c.do(ctx, http.MethodPost, "incidents/"+url.PathEscape(incidentID)+"/invoice/retry", nil, &resp)
	return resp, err
}

func (c *Client) Invoices(ctx context.Context, status string) ([]Invoice, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Invoice
	err := c.do(ctx, http.MethodGet, withQuery("invoices", q), nil, &resp)
	return resp, err
}

// GenerateProposals replaces the unpublished task batch.
func (c *Client) GenerateProposals(ctx context.Context) ([]TaskProposal, error) {
	var resp []TaskProposal
	err := c.do(ctx, http.MethodPost, "tasks/proposals/generate", nil, &resp)
	return resp, err
}

// PublishTasks publishes proposals atomically. Already published ids are
// returned unchanged.
func (c *Client) PublishTasks(ctx context.Context, ids []string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, "tasks/publish", map[string]any{"ids": ids}, &resp)
	return resp, err
}

func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, withQuery("notifications", q), nil, &resp)
	return resp, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
