package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/izavyalov-dev/triage-ci/internal/observability"
)

// MaxCheckOutputBytes is the documented GitHub limit on check run
// summaries.
const MaxCheckOutputBytes = 65535

// CheckResult is a rendered verdict ready for publishing.
type CheckResult struct {
	HeadSHA    string
	Status     string
	Conclusion string
	Title      string
	Summary    string
}

// Publisher posts consolidated triage verdicts as commit check runs,
// updating the existing run for a commit when one exists.
type Publisher struct {
	client    *Client
	logger    *slog.Logger
	checkName string
}

func NewPublisher(client *Client, logger *slog.Logger, checkName string) *Publisher {
	if logger == nil {
		logger = observability.NewLogger("github.publisher")
	}
	if checkName == "" {
		checkName = "build-triage"
	}
	return &Publisher{client: client, logger: logger, checkName: checkName}
}

// Publish creates or updates the triage check run for the commit.
func (p *Publisher) Publish(ctx context.Context, repo string, result CheckResult) error {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return fmt.Errorf("repository %q is not owner/name", repo)
	}

	req := CheckRunRequest{
		Name:    p.checkName,
		HeadSHA: result.HeadSHA,
		Status:  result.Status,
		Output:  CheckRunOutput{Title: result.Title, Summary: result.Summary},
	}
	if result.Status == "completed" {
		req.Conclusion = result.Conclusion
		now := time.Now().UTC()
		req.CompletedAt = &now
	}

	existing, found, err := p.client.FindCheckRun(ctx, owner, name, result.HeadSHA, p.checkName)
	if err != nil {
		p.logger.Warn("check run lookup failed, creating fresh",
			"event", "github_check_lookup_failed", "repo", repo, "error", err)
		found = false
	}

	if found {
		if _, err := p.client.UpdateCheckRun(ctx, owner, name, existing.ID, req); err != nil {
			if !isNotFound(err) {
				return err
			}
			found = false
		}
	}
	if !found {
		if _, err := p.client.CreateCheckRun(ctx, owner, name, req); err != nil {
			return err
		}
	}

	p.logger.Info("check published", "event", "github_check_published",
		"repo", repo, "commit", result.HeadSHA, "conclusion", result.Conclusion)
	return nil
}

// ChecksEnabled reports whether the repository can receive check runs
// from this client's credentials.
func (p *Publisher) ChecksEnabled(ctx context.Context, repo string) (bool, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return false, fmt.Errorf("repository %q is not owner/name", repo)
	}
	return p.client.RepositoryAccessible(ctx, owner, name)
}

// IsMaxLength reports whether a publish failure was caused by the check
// output exceeding GitHub's size limit. Callers shrink the report and
// retry on this error.
func IsMaxLength(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode != 422 {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "maximum") || strings.Contains(msg, "too long")
}

func isNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 404
	}
	return false
}
