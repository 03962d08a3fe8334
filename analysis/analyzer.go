package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/triage-ci/internal/observability"
	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

// Mode selects how much of the build an analysis covers.
type Mode string

const (
	// ModeLatestAttempt analyzes only the most recent attempt.
	ModeLatestAttempt Mode = "latest"
	// ModeAllAttempts analyzes the union of every attempt's timeline.
	ModeAllAttempts Mode = "all"
	// ModeValidation analyzes the latest attempt without the rerun
	// sub-analysis, for validation-only passes.
	ModeValidation Mode = "validation"
)

// Options tune per-analysis bounds. Zero values fall back to defaults.
type Options struct {
	// MaxStepResults caps the number of failed steps analyzed per build.
	MaxStepResults int
	// TestSampleSize caps the number of failing tests fetched in depth
	// per invocation. A cost-control bound, not a correctness one.
	TestSampleSize int
	// HistoryWindowDays is the trailing window for test failure rates.
	HistoryWindowDays int
	// FetchConcurrency bounds the worker pool for sub-result fetches.
	FetchConcurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxStepResults <= 0 {
		o.MaxStepResults = 20
	}
	if o.TestSampleSize <= 0 {
		o.TestSampleSize = 5
	}
	if o.HistoryWindowDays <= 0 {
		o.HistoryWindowDays = 14
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 5
	}
	return o
}

type catalogView struct {
	stepIssues []knownissue.KnownIssue
	testIssues []knownissue.KnownIssue
}

// Analyzer orchestrates the analysis of a single build.
type Analyzer struct {
	data             DataSource
	issues           IssueSource
	mapper           RepositoryMapper
	matcher          knownissue.Matcher
	retryPolicy      RetryPolicy
	issueRetryPolicy IssueRetryPolicy
	cache            *ResultCache
	logger           *slog.Logger
	opts             Options
}

// NewAnalyzer constructs an analyzer with sensible defaults. The cache is
// optional.
func NewAnalyzer(data DataSource, issues IssueSource, mapper RepositoryMapper, cache *ResultCache, logger *slog.Logger, opts Options) *Analyzer {
	if logger == nil {
		logger = observability.NewLogger("analysis")
	}
	return &Analyzer{
		data:             data,
		issues:           issues,
		mapper:           mapper,
		matcher:          knownissue.PatternMatcher{},
		retryPolicy:      HealthRetryPolicy{},
		issueRetryPolicy: AttemptCapIssueRetryPolicy{},
		cache:            cache,
		logger:           logger,
		opts:             opts.withDefaults(),
	}
}

// SetRetryPolicies replaces the default retry predicates.
func (a *Analyzer) SetRetryPolicies(health RetryPolicy, issue IssueRetryPolicy) {
	if health != nil {
		a.retryPolicy = health
	}
	if issue != nil {
		a.issueRetryPolicy = issue
	}
}

// SetMatcher replaces the default pattern matcher.
func (a *Analyzer) SetMatcher(m knownissue.Matcher) {
	if m != nil {
		a.matcher = m
	}
}

// Analyze fetches one build and produces its BuildResultAnalysis. A
// missing build surfaces ErrBuildNotFound; transient fetch failures
// propagate for caller-level redelivery.
func (a *Analyzer) Analyze(ctx context.Context, ref BuildRef, mode Mode) (*BuildResultAnalysis, error) {
	build, err := a.data.Build(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch build %d: %w", ref.ID, err)
	}

	if build.Finished && a.cache != nil {
		if cached, ok := a.cache.Get(ctx, ref, build.AttemptCount); ok {
			return cached, nil
		}
	}

	records, err := a.fetchRecords(ctx, build, mode)
	if err != nil {
		return nil, err
	}
	tree, err := timeline.NewTree(records)
	if err != nil {
		return nil, err
	}

	catalog, err := a.assembleCatalog(ctx, build)
	if err != nil {
		return nil, fmt.Errorf("assemble known-issue catalog: %w", err)
	}
	view := splitCatalog(catalog)

	steps, succeededWithIssues := a.selectSteps(ctx, build, tree, view)

	tests, err := a.analyzeTests(ctx, build, mode == ModeAllAttempts, succeededWithIssues, view)
	if err != nil {
		return nil, fmt.Errorf("analyze failing tests: %w", err)
	}

	result := &BuildResultAnalysis{
		Build:   build,
		Attempt: build.AttemptCount,
		Rerun:   build.AttemptCount > 1,
		Steps:   steps,
		Tests:   tests,
	}

	if build.Result == BuildResultSucceeded && mode != ModeValidation && build.AttemptCount > 1 {
		prior, err := a.analyzePriorAttempt(ctx, build, records, view)
		if err != nil {
			return nil, fmt.Errorf("analyze prior attempt: %w", err)
		}
		result.PriorAttempt = prior
	}

	result.Retry = a.maybeRetry(ctx, build, result)

	testRefs := make(map[string]struct{}, len(tests))
	for _, test := range tests {
		if test.Ref != nil {
			testRefs[test.Ref.Key()] = struct{}{}
		}
	}
	result.Steps = cleanupSteps(result.Steps, testRefs)
	result.Summary = summarize(result.Steps, result.Tests)

	if build.Finished && a.cache != nil {
		a.cache.Put(ctx, ref, build.AttemptCount, result)
	}

	return result, nil
}

func (a *Analyzer) fetchRecords(ctx context.Context, build Build, mode Mode) ([]timeline.Record, error) {
	if mode != ModeAllAttempts {
		records, err := a.data.Timeline(ctx, build.BuildRef, 0)
		if err != nil {
			return nil, fmt.Errorf("fetch timeline: %w", err)
		}
		return records, nil
	}

	var lists [][]timeline.Record
	for attempt := 1; attempt <= build.AttemptCount; attempt++ {
		records, err := a.data.Timeline(ctx, build.BuildRef, attempt)
		if err != nil {
			return nil, fmt.Errorf("fetch timeline attempt %d: %w", attempt, err)
		}
		lists = append(lists, records)
	}
	return timeline.MergeAttempts(lists...), nil
}

// selectSteps walks the tree in display order, building a StepResult for
// every failed Job or Task up to the configured cap. It also collects the
// pipeline references of jobs that succeeded with issues; those are later
// used to suppress stale test-failure noise.
func (a *Analyzer) selectSteps(ctx context.Context, build Build, tree *timeline.Tree, view catalogView) ([]StepResult, map[string]struct{}) {
	succeededWithIssues := make(map[string]struct{})
	var steps []StepResult

	for _, record := range tree.Ordered() {
		if record.Type == timeline.RecordTypeJob && record.Result == timeline.ResultSucceededWithIssues {
			if ref, ok := tree.PipelineReference(record.ID); ok {
				succeededWithIssues[ref.Key()] = struct{}{}
			}
			continue
		}
		if record.Type != timeline.RecordTypeJob && record.Type != timeline.RecordTypeTask {
			continue
		}
		if !record.IsFailure() {
			continue
		}
		// Past the cap the walk continues so later succeeded-with-issues
		// jobs still register for test suppression.
		if len(steps) < a.opts.MaxStepResults {
			steps = append(steps, a.buildStepResult(ctx, build, tree, record, view))
		}
	}

	return steps, succeededWithIssues
}

func (a *Analyzer) buildStepResult(ctx context.Context, build Build, tree *timeline.Tree, record timeline.Record, view catalogView) StepResult {
	step := StepResult{
		Names:     tree.Path(record.ID),
		ID:        record.ID,
		LogURL:    record.LogURL,
		StartTime: record.StartTime,
	}
	if ref, ok := tree.PipelineReference(record.ID); ok {
		step.Ref = &ref
	}

	var text string
	for _, issue := range record.Issues {
		if issue.Kind != timeline.IssueKindError {
			continue
		}
		step.Errors = append(step.Errors, StepError{Message: issue.Message, LogLink: record.LogURL})
		text += issue.Message + "\n"
	}

	matched := a.matcher.MatchText(text, view.stepIssues)

	// Job-level logs repeat their children's output; only stream logs
	// for finer-grained steps.
	if record.LogURL != "" && record.Type != timeline.RecordTypeJob {
		if stream, err := a.data.Log(ctx, build.BuildRef, record.LogURL); err != nil {
			a.logger.Warn("log fetch failed, matching on messages only",
				"event", "log_fetch_failed", "build_id", build.ID, "record_id", record.ID, "error", err)
		} else {
			fromLog, err := a.matcher.MatchStream(ctx, stream, view.stepIssues)
			stream.Close()
			if err != nil {
				a.logger.Warn("log match failed", "event", "log_match_failed", "build_id", build.ID, "record_id", record.ID, "error", err)
			} else {
				matched = append(matched, fromLog...)
			}
		}
	}

	step.KnownIssues = knownissue.Dedupe(matched)
	return step
}

func splitCatalog(catalog []knownissue.KnownIssue) catalogView {
	var view catalogView
	for _, issue := range catalog {
		switch issue.Kind {
		case knownissue.KindTest:
			view.testIssues = append(view.testIssues, issue)
		case knownissue.KindInfrastructure:
			view.stepIssues = append(view.stepIssues, issue)
			view.testIssues = append(view.testIssues, issue)
		default:
			view.stepIssues = append(view.stepIssues, issue)
		}
	}
	return view
}

func summarize(steps []StepResult, tests []TestResult) Summary {
	summary := Summary{TotalSteps: len(steps), TotalTests: len(tests)}
	for _, step := range steps {
		if len(step.KnownIssues) == 0 {
			summary.UnexplainedSteps++
		}
	}
	for _, test := range tests {
		if !test.Explained {
			summary.UnexplainedTests++
		}
	}
	return summary
}
