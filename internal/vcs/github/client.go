package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Client is a minimal GitHub API client for checks and issues.
type Client struct {
	BaseURL    string
	Token      string
	Tokens     TokenProvider
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a GitHub client with a static token.
func NewClient(token string) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  "triage-ci",
	}
}

// NewAppClient constructs a GitHub client backed by app installation
// tokens.
func NewAppClient(tokens TokenProvider) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  "triage-ci",
	}
}

// CheckRunOutput is the rendered body of a check run.
type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// CheckRunRequest describes a check run payload.
type CheckRunRequest struct {
	Name        string         `json:"name"`
	HeadSHA     string         `json:"head_sha"`
	Status      string         `json:"status,omitempty"`
	Conclusion  string         `json:"conclusion,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      CheckRunOutput `json:"output"`
}

// CheckRunResponse captures the check run ID.
type CheckRunResponse struct {
	ID int64 `json:"id"`
}

// Issue is the subset of the GitHub issue payload triage consumes.
type Issue struct {
	Number  int     `json:"number"`
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	HTMLURL string  `json:"html_url"`
	Labels  []Label `json:"labels"`
}

// Label is an issue label.
type Label struct {
	Name string `json:"name"`
}

func (c *Client) CreateCheckRun(ctx context.Context, owner, repo string, payload CheckRunRequest) (CheckRunResponse, error) {
	path := fmt.Sprintf("/repos/%s/%s/check-runs", owner, repo)
	var resp CheckRunResponse
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return CheckRunResponse{}, err
	}
	return resp, nil
}

func (c *Client) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, payload CheckRunRequest) (CheckRunResponse, error) {
	path := fmt.Sprintf("/repos/%s/%s/check-runs/%d", owner, repo, checkRunID)
	var resp CheckRunResponse
	if err := c.doJSON(ctx, http.MethodPatch, path, payload, &resp); err != nil {
		return CheckRunResponse{}, err
	}
	return resp, nil
}

type checkRunList struct {
	CheckRuns []CheckRunResponse `json:"check_runs"`
}

// FindCheckRun locates an existing check run by name for a commit.
// Returns ok=false when the check has not been created yet.
func (c *Client) FindCheckRun(ctx context.Context, owner, repo, headSHA, name string) (CheckRunResponse, bool, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?check_name=%s&filter=latest",
		owner, repo, headSHA, url.QueryEscape(name))
	var list checkRunList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return CheckRunResponse{}, false, err
	}
	if len(list.CheckRuns) == 0 {
		return CheckRunResponse{}, false, nil
	}
	return list.CheckRuns[0], true, nil
}

// ListOpenIssues pages through open issues with the given label.
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo, label string) ([]Issue, error) {
	var all []Issue
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/%s/issues?state=open&labels=%s&per_page=100&page=%d",
			owner, repo, url.QueryEscape(label), page)
		var batch []Issue
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < 100 {
			return all, nil
		}
	}
}

// RepositoryAccessible probes the repository endpoint to verify the
// token or installation can reach it. 404 and 403 mean no access, not a
// failure.
func (c *Client) RepositoryAccessible(ctx context.Context, owner, repo string) (bool, error) {
	err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusForbidden) {
		return false, nil
	}
	return false, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return errors.New("github client is nil")
	}

	token := c.Token
	if c.Tokens != nil {
		fetched, err := c.Tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("github token fetch: %w", err)
		}
		token = fetched
	}
	if token == "" {
		return errors.New("github token missing")
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}
