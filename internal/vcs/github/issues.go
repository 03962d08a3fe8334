package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/triage-ci/knownissue"
)

const (
	knownIssueLabel = "known-build-error"
	criticalLabel   = "critical-infrastructure"
	retryLabel      = "retry-on-failure"
	testKindLabel   = "known-test-error"
	infraKindLabel  = "infrastructure"

	patternMarker = "error-pattern:"
)

// IssueCatalog serves known-issue definitions from GitHub issues. Issues
// opt in with the known-build-error label; each body line starting with
// "error-pattern:" contributes one match pattern.
type IssueCatalog struct {
	client     *Client
	infraOwner string
	infraRepo  string
}

// NewIssueCatalog builds an issue catalog. Infrastructure-wide issues
// live in the given repository; repository-specific issues are read from
// the repository under analysis.
func NewIssueCatalog(client *Client, infraOwner, infraRepo string) *IssueCatalog {
	return &IssueCatalog{client: client, infraOwner: infraOwner, infraRepo: infraRepo}
}

func (c *IssueCatalog) InfrastructureIssues(ctx context.Context) ([]knownissue.KnownIssue, error) {
	issues, err := c.client.ListOpenIssues(ctx, c.infraOwner, c.infraRepo, knownIssueLabel)
	if err != nil {
		return nil, fmt.Errorf("list infrastructure issues: %w", err)
	}
	repo := c.infraOwner + "/" + c.infraRepo
	converted := make([]knownissue.KnownIssue, 0, len(issues))
	for _, issue := range issues {
		ki := convertIssue(repo, issue)
		ki.Kind = knownissue.KindInfrastructure
		converted = append(converted, ki)
	}
	return converted, nil
}

func (c *IssueCatalog) RepositoryIssues(ctx context.Context, repo string) ([]knownissue.KnownIssue, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok {
		return nil, fmt.Errorf("repository %q is not owner/name", repo)
	}
	issues, err := c.client.ListOpenIssues(ctx, owner, name, knownIssueLabel)
	if err != nil {
		return nil, fmt.Errorf("list issues for %s: %w", repo, err)
	}
	converted := make([]knownissue.KnownIssue, 0, len(issues))
	for _, issue := range issues {
		converted = append(converted, convertIssue(repo, issue))
	}
	return converted, nil
}

func (c *IssueCatalog) CriticalIssues(ctx context.Context) ([]knownissue.KnownIssue, error) {
	issues, err := c.client.ListOpenIssues(ctx, c.infraOwner, c.infraRepo, criticalLabel)
	if err != nil {
		return nil, fmt.Errorf("list critical issues: %w", err)
	}
	repo := c.infraOwner + "/" + c.infraRepo
	converted := make([]knownissue.KnownIssue, 0, len(issues))
	for _, issue := range issues {
		ki := convertIssue(repo, issue)
		ki.Kind = knownissue.KindInfrastructure
		converted = append(converted, ki)
	}
	return converted, nil
}

func convertIssue(repo string, issue Issue) knownissue.KnownIssue {
	ki := knownissue.KnownIssue{
		Repo:     repo,
		Number:   issue.Number,
		Title:    issue.Title,
		URL:      issue.HTMLURL,
		Kind:     knownissue.KindBuild,
		Patterns: extractPatterns(issue.Body),
	}
	for _, label := range issue.Labels {
		ki.Labels = append(ki.Labels, label.Name)
		switch label.Name {
		case testKindLabel:
			ki.Kind = knownissue.KindTest
		case infraKindLabel:
			ki.Kind = knownissue.KindInfrastructure
		case retryLabel:
			ki.RetryBuild = true
		}
	}
	return ki
}

func extractPatterns(body string) []string {
	var patterns []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), patternMarker) {
			continue
		}
		pattern := strings.TrimSpace(line[len(patternMarker):])
		pattern = strings.Trim(pattern, "`")
		if pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	return patterns
}
