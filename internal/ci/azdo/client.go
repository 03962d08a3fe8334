package azdo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

const apiVersion = "7.0"

// TransientError marks backend failures worth retrying through the
// caller's redelivery mechanism.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("azdo transient error: op=%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("azdo transient error: op=%s status=%d", e.Op, e.StatusCode)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether an error should trigger redelivery.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// Config configures the Azure DevOps client.
type Config struct {
	BaseURL string // e.g. https://dev.azure.com
	Token   string // personal access token
}

// Client implements analysis.DataSource against the Azure DevOps REST
// API.
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("azdo base url required")
	}
	if cfg.Token == "" {
		return nil, errors.New("azdo token required")
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+cfg.Token)),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type buildPayload struct {
	ID         int    `json:"id"`
	Status     string `json:"status"`
	Result     string `json:"result"`
	Definition struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	} `json:"definition"`
	SourceVersion string `json:"sourceVersion"`
	SourceBranch  string `json:"sourceBranch"`
	Repository    struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"repository"`
	ValidationResults []struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	} `json:"validationResults"`
	Links struct {
		Web struct {
			Href string `json:"href"`
		} `json:"web"`
	} `json:"_links"`
}

func (c *Client) Build(ctx context.Context, ref analysis.BuildRef) (analysis.Build, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds/%d", ref.Org, ref.Project, ref.ID)
	var payload buildPayload
	if err := c.getJSON(ctx, "build", path, nil, &payload); err != nil {
		if isNotFound(err) {
			return analysis.Build{}, fmt.Errorf("%w: build %d", analysis.ErrBuildNotFound, ref.ID)
		}
		return analysis.Build{}, err
	}
	build := c.convertBuild(ref.Org, ref.Project, payload)

	// The builds API carries no retry counter; the latest timeline stamps
	// every record with the current attempt number.
	records, err := c.Timeline(ctx, ref, 0)
	if err != nil {
		return analysis.Build{}, fmt.Errorf("derive attempt count for build %d: %w", ref.ID, err)
	}
	build.AttemptCount = attemptCount(records)
	return build, nil
}

func attemptCount(records []timeline.Record) int {
	count := 1
	for _, record := range records {
		if record.Attempt > count {
			count = record.Attempt
		}
		for _, previous := range record.PreviousAttempts {
			if previous.AttemptNumber+1 > count {
				count = previous.AttemptNumber + 1
			}
		}
	}
	return count
}

func (c *Client) convertBuild(org, project string, payload buildPayload) analysis.Build {
	build := analysis.Build{
		BuildRef:       analysis.BuildRef{Org: org, Project: project, ID: payload.ID},
		DefinitionID:   payload.Definition.ID,
		DefinitionName: payload.Definition.Name,
		Commit:         payload.SourceVersion,
		Repository:     payload.Repository.Name,
		TargetBranch:   strings.TrimPrefix(payload.SourceBranch, "refs/heads/"),
		Result:         convertBuildResult(payload.Result),
		Finished:       payload.Status == "completed",
		URL:            payload.Links.Web.Href,
		Internal:       payload.Repository.Type == "TfsGit",
	}
	for _, validation := range payload.ValidationResults {
		if validation.Result == "error" {
			build.ValidationErrors = append(build.ValidationErrors, validation.Message)
		}
	}
	return build
}

func convertBuildResult(result string) analysis.BuildResult {
	switch result {
	case "succeeded":
		return analysis.BuildResultSucceeded
	case "partiallySucceeded":
		return analysis.BuildResultPartiallySucceeded
	case "failed":
		return analysis.BuildResultFailed
	case "canceled":
		return analysis.BuildResultCanceled
	default:
		return analysis.BuildResultNone
	}
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	return c.doJSON(ctx, op, http.MethodGet, path, query, nil, out)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, payload, out any) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", apiVersion)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query.Encode(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authHeader)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &notFoundError{op: op}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientError{Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("azdo %s: status=%d body=%s", op, resp.StatusCode, truncateBody(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("azdo %s: decode response: %w", op, err)
		}
	}
	return nil
}

type notFoundError struct {
	op string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("azdo %s: not found", e.op)
}

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
