package speclinesdk

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

// Client is a minimal Specline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// Requirement represents the API requirement model (partial).
type Requirement struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	Version   int    `json:"version"`
	SourceURL string `json:"source_url,omitempty"`
}

// UseCase represents the API use case model (partial).
type UseCase struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	RequirementID string   `json:"requirement_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Actors        []string `json:"actors,omitempty"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	AssignedTo    string   `json:"assigned_to,omitempty"`
}

// Deliverable represents a generated backlog item.
type Deliverable struct {
	ID                 string   `json:"id"`
	RequirementID      string   `json:"requirement_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Type               string   `json:"type"`
	Priority           string   `json:"priority"`
	StoryPoints        int      `json:"story_points"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Status             string   `json:"status"`
}

// Assignment represents a handoff.
type Assignment struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ToRole     string `json:"to_role,omitempty"`
	ToActor    string `json:"to_actor,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
	Status     string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// AnalyzeResult is the response to an analyze call.
type AnalyzeResult struct {
	ResponseText  string   `json:"response_text"`
	SourceURL     string   `json:"source_url,omitempty"`
	Degraded      bool     `json:"degraded,omitempty"`
	RequirementID string   `json:"requirement_id,omitempty"`
	UseCaseIDs    []string `json:"use_case_ids,omitempty"`
	OfferActions  []string `json:"offer_actions,omitempty"`
}

// ApproveResult pairs the approved use case with the auto-created handoff.
type ApproveResult struct {
	UseCase    UseCase     `json:"use_case"`
	Assignment *Assignment `json:"assignment,omitempty"`
}

// DeliverablesResult is the response to a generate-deliverables call.
type DeliverablesResult struct {
	Deliverables []Deliverable `json:"deliverables"`
	Count        int           `json:"count"`
	Fallback     bool          `json:"fallback"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Analyze submits a message for requirements extraction.
func (c *Client) Analyze(ctx context.Context, message string) (AnalyzeResult, error) {
	body := map[string]any{"message": message}
	var resp AnalyzeResult
	err := c.do(ctx, http.MethodPost, c.projectPath("analyze"), body, &resp)
	return resp, err
}

// GetRequirement fetches a requirement by id.
func (c *Client) GetRequirement(ctx context.Context, id string) (Requirement, error) {
	var resp Requirement
	endpoint := c.projectPath(fmt.Sprintf("requirements/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListRequirements returns the project's requirements.
func (c *Client) ListRequirements(ctx context.Context, status string) ([]Requirement, error) {
	var resp []Requirement
	endpoint := c.projectPath("requirements")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AcceptRequirement accepts a requirement. The call is idempotent.
func (c *Client) AcceptRequirement(ctx context.Context, id string) (Requirement, error) {
	var resp Requirement
	endpoint := c.projectPath(fmt.Sprintf("requirements/%s/accept", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp)
	return resp, err
}

// GenerateDeliverables breaks a requirement into backlog items.
func (c *Client) GenerateDeliverables(ctx context.Context, requirementID string) (DeliverablesResult, error) {
	var resp DeliverablesResult
	endpoint := c.projectPath(fmt.Sprintf("requirements/%s/deliverables", url.PathEscape(requirementID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateUseCase creates a use case in draft status.
func (c *Client) CreateUseCase(ctx context.Context, title, description, requirementID string) (UseCase, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	if requirementID != "" {
		body["requirement_id"] = requirementID
	}
	var resp UseCase
	err := c.do(ctx, http.MethodPost, c.projectPath("usecases"), body, &resp)
	return resp, err
}

// SubmitUseCase moves a draft into review.
func (c *Client) SubmitUseCase(ctx context.Context, id string) (UseCase, error) {
	return c.useCaseTransition(ctx, id, "submit")
}

// StartUseCase moves an assigned use case into development.
func (c *Client) StartUseCase(ctx context.Context, id string) (UseCase, error) {
	return c.useCaseTransition(ctx, id, "start")
}

// CompleteUseCase completes development.
func (c *Client) CompleteUseCase(ctx context.Context, id string) (UseCase, error) {
	return c.useCaseTransition(ctx, id, "complete")
}

func (c *Client) useCaseTransition(ctx context.Context, id, op string) (UseCase, error) {
	var resp UseCase
	endpoint := c.projectPath(fmt.Sprintf("usecases/%s/%s", url.PathEscape(id), op))
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp)
	return resp, err
}

// ApproveUseCase approves a use case and returns any auto-created handoff.
func (c *Client) ApproveUseCase(ctx context.Context, id string) (ApproveResult, error) {
	var resp ApproveResult
	endpoint := c.projectPath(fmt.Sprintf("usecases/%s/approve", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp)
	return resp, err
}

// RejectUseCase rejects a use case under review.
func (c *Client) RejectUseCase(ctx context.Context, id, reason string) (UseCase, error) {
	body := map[string]any{"reason": reason}
	var resp UseCase
	endpoint := c.projectPath(fmt.Sprintf("usecases/%s/reject", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Export fetches the project export document as markdown.
func (c *Client) Export(ctx context.Context) (string, error) {
	endpoint := c.base() + "/" + c.projectPath("export")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return string(b), nil
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
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

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
