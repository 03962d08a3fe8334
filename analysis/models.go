package analysis

import (
	"time"

	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

// BuildResult is the overall outcome reported by the CI provider.
type BuildResult string

const (
	BuildResultNone               BuildResult = "None"
	BuildResultSucceeded          BuildResult = "Succeeded"
	BuildResultPartiallySucceeded BuildResult = "PartiallySucceeded"
	BuildResultFailed             BuildResult = "Failed"
	BuildResultCanceled           BuildResult = "Canceled"
)

// BuildRef identifies one build within the CI provider.
type BuildRef struct {
	Org     string `json:"org"`
	Project string `json:"project"`
	ID      int    `json:"id"`
}

// Build is the immutable snapshot of a CI build, fetched once per analysis.
type Build struct {
	BuildRef
	DefinitionID     int         `json:"definition_id"`
	DefinitionName   string      `json:"definition_name"`
	Commit           string      `json:"commit"`
	Repository       string      `json:"repository"`
	TargetBranch     string      `json:"target_branch"`
	Result           BuildResult `json:"result"`
	Finished         bool        `json:"finished"`
	AttemptCount     int         `json:"attempt_count"`
	URL              string      `json:"url,omitempty"`
	ValidationErrors []string    `json:"validation_errors,omitempty"`
	// Internal marks builds of internally-hosted projects whose hosted
	// repository must be resolved through the name-mapping lookup.
	Internal bool `json:"internal,omitempty"`
}

// StepError is one error message on a failed step, with its log link.
type StepError struct {
	Message string `json:"message"`
	LogLink string `json:"log_link,omitempty"`
}

// StepResult is the derived result for one failed or canceled step.
type StepResult struct {
	Names       []string                    `json:"names"`
	ID          string                      `json:"id"`
	LogURL      string                      `json:"log_url,omitempty"`
	StartTime   *time.Time                  `json:"start_time,omitempty"`
	Errors      []StepError                 `json:"errors,omitempty"`
	KnownIssues []knownissue.KnownIssue     `json:"known_issues,omitempty"`
	Ref         *timeline.PipelineReference `json:"ref,omitempty"`
}

// TestResult is one failing automated test with its trailing history.
type TestResult struct {
	Name           string                      `json:"name"`
	FailedRuns     int                         `json:"failed_runs"`
	TotalRuns      int                         `json:"total_runs"`
	Configurations []string                    `json:"configurations,omitempty"`
	WorkItemURL    string                      `json:"work_item_url,omitempty"`
	KnownIssues    []knownissue.KnownIssue     `json:"known_issues,omitempty"`
	Explained      bool                        `json:"explained"`
	Ref            *timeline.PipelineReference `json:"ref,omitempty"`
}

// FailureRate returns the trailing-window failure rate, or zero when no
// history is available.
func (t TestResult) FailureRate() float64 {
	if t.TotalRuns == 0 {
		return 0
	}
	return float64(t.FailedRuns) / float64(t.TotalRuns)
}

// Summary counts distinct failures for the known-issue-vs-test rollup.
type Summary struct {
	TotalSteps       int `json:"total_steps"`
	UnexplainedSteps int `json:"unexplained_steps"`
	TotalTests       int `json:"total_tests"`
	UnexplainedTests int `json:"unexplained_tests"`
}

// AutomaticRetry records the outcome of the automatic-retry decision.
type AutomaticRetry struct {
	HasRerunAutomatically bool                 `json:"has_rerun_automatically"`
	Issue                 *knownissue.Identity `json:"issue,omitempty"`
}

// BuildResultAnalysis is the per-build aggregate produced by one analysis
// invocation. It is never mutated after construction.
type BuildResultAnalysis struct {
	Build        Build                `json:"build"`
	Attempt      int                  `json:"attempt"`
	Rerun        bool                 `json:"rerun"`
	Steps        []StepResult         `json:"steps,omitempty"`
	Tests        []TestResult         `json:"tests,omitempty"`
	Summary      Summary              `json:"summary"`
	Retry        AutomaticRetry       `json:"retry"`
	PriorAttempt *BuildResultAnalysis `json:"prior_attempt,omitempty"`
}

// Unexplained reports whether any failure in the analysis lacks a
// matching known issue.
func (a *BuildResultAnalysis) Unexplained() bool {
	return a.Summary.UnexplainedSteps > 0 || a.Summary.UnexplainedTests > 0
}

// Failed reports whether the analyzed build ended in failure.
func (a *BuildResultAnalysis) Failed() bool {
	return a.Build.Result == BuildResultFailed
}
