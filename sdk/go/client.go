package paylinesdk

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

// Client is a minimal Payline HTTP API client. Amounts are decimal strings
// such as "180.00".
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

type Fund struct {
	Initialized bool   `json:"initialized"`
	Balance     string `json:"balance"`
	Reserved    string `json:"reserved"`
	Available   string `json:"available"`
	Tier        int    `json:"tier"`
	TierStatus  string `json:"tier_status"`
	Payments    []struct {
		Type    string `json:"type"`
		Payment string `json:"payment"`
	} `json:"mission_payments"`
}

type Share struct {
	MemberID     string `json:"member_id"`
	Interactions int64  `json:"interactions"`
	Share        string `json:"share"`
	Percentage   string `json:"percentage"`
}

type JobEarnings struct {
	JobID             string  `json:"job_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	TeamPool          string  `json:"team_pool"`
	TotalInteractions int64   `json:"total_interactions"`
	Shares            []Share `json:"shares"`
}

type MemberEarnings struct {
	MemberID          string `json:"member_id"`
	PotentialFromJobs string `json:"potential_from_jobs"`
	CompletedMissions string `json:"completed_missions"`
	GrandTotal        string `json:"grand_total"`
	PaidHistory       string `json:"paid_history"`
	TotalInteractions int64  `json:"total_interactions"`
	Jobs              []struct {
		JobID            string `json:"job_id"`
		Title            string `json:"title"`
		YourInteractions int64  `json:"your_interactions"`
		TeamTotal        int64  `json:"team_total"`
		Earning          string `json:"earning"`
	} `json:"jobs"`
}

type Interaction struct {
	ID             int64  `json:"id"`
	JobID          string `json:"job_id"`
	MemberID       string `json:"member_id"`
	Duplicate      bool   `json:"duplicate"`
	JobTotal       int64  `json:"job_total"`
	MemberJobCount int64  `json:"member_job_count"`
}

type Mission struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Title        string  `json:"title"`
	Tier         int     `json:"tier"`
	FixedPayment string  `json:"fixed_payment"`
	Status       string  `json:"status"`
	ClaimedBy    *string `json:"claimed_by,omitempty"`
}

type Settlement struct {
	JobID     string  `json:"job_id"`
	JobTitle  string  `json:"job_title"`
	PaidBy    string  `json:"paid_by"`
	PaidAt    string  `json:"paid_at"`
	TotalPaid string  `json:"total_paid"`
	Shares    []Share `json:"shares"`
}

// APIError wraps non-2xx responses. Code is the error code from the
// response envelope when the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) FundStatus(ctx context.Context) (Fund, error) {
	var resp Fund
	err := c.do(ctx, http.MethodGet, "fund", nil, &resp)
	return resp, err
}

func (c *Client) MemberEarnings(ctx context.Context, memberID string) (MemberEarnings, error) {
	var resp MemberEarnings
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("members/%s/earnings", url.PathEscape(memberID)), nil, &resp)
	return resp, err
}

func (c *Client) JobEarnings(ctx context.Context, jobID string) (JobEarnings, error) {
	var resp JobEarnings
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%s/earnings", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// RecordInteraction records one interaction on a job. An empty memberID
// records it for the authenticated caller.
func (c *Client) RecordInteraction(ctx context.Context, jobID, memberID, content string) (Interaction, error) {
	body := map[string]any{"content": content}
	if memberID != "" {
		body["member_id"] = memberID
	}
	var resp Interaction
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("jobs/%s/interactions", url.PathEscape(jobID)), body, &resp)
	return resp, err
}

func (c *Client) CreateMission(ctx context.Context, missionType, title, description string) (Mission, error) {
	body := map[string]any{
		"type":        missionType,
		"title":       title,
		"description": description,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "missions", body, &resp)
	return resp, err
}

func (c *Client) ClaimMission(ctx context.Context, missionID string) (Mission, error) {
	return c.missionAction(ctx, missionID, "claim", nil)
}

func (c *Client) CompleteMission(ctx context.Context, missionID, proofURL, notes string) (Mission, error) {
	return c.missionAction(ctx, missionID, "complete", map[string]any{"proof_url": proofURL, "notes": notes})
}

func (c *Client) ApproveMission(ctx context.Context, missionID string) (Mission, error) {
	return c.missionAction(ctx, missionID, "approve", nil)
}

// Settle pays out a job's team pool. cashReceived must be true.
func (c *Client) Settle(ctx context.Context, jobID string, cashReceived bool) (Settlement, error) {
	var resp Settlement
	endpoint := fmt.Sprintf("jobs/%s/settle", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"cash_received": cashReceived}, &resp)
	return resp, err
}

func (c *Client) missionAction(ctx context.Context, missionID, action string, body any) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("missions/%s/%s", url.PathEscape(missionID), action)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
