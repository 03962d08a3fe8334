package analysis

import (
	"context"
	"errors"
	"io"

	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

// ErrBuildNotFound is returned by data sources when the requested build
// does not exist. It is terminal for the invocation; callers must not
// retry.
var ErrBuildNotFound = errors.New("analysis: build not found")

// TestCase is one failing automated test as reported by the data source.
type TestCase struct {
	Name           string
	RunID          int
	Ref            *timeline.PipelineReference
	Configurations []string
	WorkItemURL    string
}

// TestHistory is the trailing-window pass/fail history for one test.
type TestHistory struct {
	Failed int
	Total  int
}

// DataSource provides build, timeline, and test data from the CI
// provider. Implementations distinguish missing builds (ErrBuildNotFound)
// from transient backend failures.
type DataSource interface {
	Build(ctx context.Context, ref BuildRef) (Build, error)
	// Timeline returns the records for one attempt; attempt <= 0 means
	// the latest attempt.
	Timeline(ctx context.Context, ref BuildRef, attempt int) ([]timeline.Record, error)
	// TimelineByID fetches a specific timeline referenced from a
	// record's previous-attempt list.
	TimelineByID(ctx context.Context, ref BuildRef, timelineID string) ([]timeline.Record, error)
	FailingTests(ctx context.Context, ref BuildRef, allAttempts bool) ([]TestCase, error)
	TestHistory(ctx context.Context, ref BuildRef, testName string, days int) (TestHistory, error)
	Log(ctx context.Context, ref BuildRef, logURL string) (io.ReadCloser, error)
	RelatedBuilds(ctx context.Context, org, project, commit string) ([]Build, error)
	RetryBuild(ctx context.Context, ref BuildRef) error
}

// IssueSource provides the known-issue catalog.
type IssueSource interface {
	InfrastructureIssues(ctx context.Context) ([]knownissue.KnownIssue, error)
	RepositoryIssues(ctx context.Context, repo string) ([]knownissue.KnownIssue, error)
	// CriticalIssues lists currently-open critical infrastructure issues
	// surfaced on every merged report.
	CriticalIssues(ctx context.Context) ([]knownissue.KnownIssue, error)
}

// RepositoryMapper resolves an internally-hosted project to its hosted
// repository. The boolean result reports whether the mapped repository
// supports check publishing.
type RepositoryMapper interface {
	MapRepository(ctx context.Context, project, repo string) (string, bool, error)
}
