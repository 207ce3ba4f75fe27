package giglinesdk

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

// Client is a minimal Gigline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Deliverable is a file attached to a job.
type Deliverable struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	MimeType      string `json:"mime_type"`
	IsWatermarked bool   `json:"is_watermarked"`
	UploadedAt    string `json:"uploaded_at"`
}

// Revision is one round of the revision loop.
type Revision struct {
	ID              string        `json:"id"`
	RequestedAt     string        `json:"requested_at"`
	CompletedAt     *string       `json:"completed_at,omitempty"`
	ClientNotes     string        `json:"client_notes,omitempty"`
	FreelancerNotes string        `json:"freelancer_notes,omitempty"`
	Status          string        `json:"status"`
	Deliverables    []Deliverable `json:"deliverables"`
}

// Job represents the API job model.
type Job struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	Description        string        `json:"description"`
	Category           string        `json:"category"`
	Skills             []string      `json:"skills"`
	Visibility         string        `json:"visibility"`
	Deadline           string        `json:"deadline"`
	ClientID           string        `json:"client_id"`
	FreelancerID       *string       `json:"freelancer_id,omitempty"`
	Status             string        `json:"status"`
	PaymentStatus      string        `json:"payment_status"`
	Price              *float64      `json:"price,omitempty"`
	DepositAmount      *float64      `json:"deposit_amount,omitempty"`
	Deliverables       []Deliverable `json:"deliverables"`
	Revisions          []Revision    `json:"revisions"`
	RevisionsRemaining int           `json:"revisions_remaining"`
	ClientApproved     bool          `json:"client_approved"`
	CreatedAt          string        `json:"created_at"`
	UpdatedAt          string        `json:"updated_at"`
}

// JobPage wraps paged job listings.
type JobPage struct {
	Items      []Job `json:"items"`
	Total      int   `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"total_pages"`
}

// FileUpload references an already uploaded file.
type FileUpload struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateJobOptions are the fields of a job posting.
type CreateJobOptions struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Skills      []string `json:"skills,omitempty"`
	Visibility  string   `json:"visibility,omitempty"`
	Deadline    string   `json:"deadline"`
}

// CreateJob posts a job.
func (c *Client) CreateJob(ctx context.Context, opts CreateJobOptions) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", opts, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, c.jobPath(id, ""), nil, &resp)
	return resp, err
}

// ListJobs returns the caller's job listing.
func (c *Client) ListJobs(ctx context.Context, page, limit int) (JobPage, error) {
	endpoint := "jobs"
	if page > 0 || limit > 0 {
		endpoint = fmt.Sprintf("jobs?page=%d&limit=%d", page, limit)
	}
	var resp JobPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AvailableJobs returns funded jobs open to contributors.
func (c *Client) AvailableJobs(ctx context.Context) (JobPage, error) {
	var resp JobPage
	err := c.do(ctx, http.MethodGet, "jobs/available", nil, &resp)
	return resp, err
}

// ReviewJob approves a pending job with a price, or rejects it with feedback.
func (c *Client) ReviewJob(ctx context.Context, id, action string, price float64, feedback string) (Job, error) {
	body := map[string]any{
		"action":   action,
		"price":    price,
		"feedback": feedback,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "review"), body, &resp)
	return resp, err
}

// PayDeposit pays the job deposit.
func (c *Client) PayDeposit(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "deposit"), nil, &resp)
	return resp, err
}

// Apply claims a funded job for the calling contributor.
func (c *Client) Apply(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "apply"), nil, &resp)
	return resp, err
}

// SubmitWork delivers the first round of work.
func (c *Client) SubmitWork(ctx context.Context, id string, files []FileUpload, note string) (Job, error) {
	body := map[string]any{"files": files, "note": note}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "submit"), body, &resp)
	return resp, err
}

// Approve accepts delivered work.
func (c *Client) Approve(ctx context.Context, id, feedback string) (Job, error) {
	body := map[string]any{"feedback": feedback}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "approve"), body, &resp)
	return resp, err
}

// RequestRevision opens a revision round.
func (c *Client) RequestRevision(ctx context.Context, id, notes string) (Job, error) {
	body := map[string]any{"notes": notes}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "revisions"), body, &resp)
	return resp, err
}

// StartRevision acknowledges the open revision request.
func (c *Client) StartRevision(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "revisions/start"), nil, &resp)
	return resp, err
}

// SubmitRevision delivers the revised work.
func (c *Client) SubmitRevision(ctx context.Context, id string, files []FileUpload, notes string) (Job, error) {
	body := map[string]any{"files": files, "notes": notes}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "revisions/submit"), body, &resp)
	return resp, err
}

// PayFinal pays the closing balance.
func (c *Client) PayFinal(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "final-payment"), nil, &resp)
	return resp, err
}

// Close ends a fully paid job.
func (c *Client) Close(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.jobPath(id, "close"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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

func (c *Client) jobPath(id, sub string) string {
	p := fmt.Sprintf("jobs/%s", url.PathEscape(id))
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
