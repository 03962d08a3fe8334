package analysis

import (
	"context"

	"github.com/izavyalov-dev/triage-ci/knownissue"
)

// RetryPolicy is the opaque build-health predicate consulted before any
// known-issue-driven retry.
type RetryPolicy interface {
	ShouldRetry(ctx context.Context, build Build, analysis *BuildResultAnalysis) (bool, error)
}

// IssueRetryPolicy decides whether a known issue flagged RetryBuild may
// trigger an automatic retry of this build.
type IssueRetryPolicy interface {
	ShouldRetryForIssue(ctx context.Context, build Build, issue knownissue.KnownIssue) (bool, error)
}

// HealthRetryPolicy retries a failed build when every failure is
// explained by an infrastructure known issue and the attempt budget is
// not exhausted.
type HealthRetryPolicy struct {
	MaxAttempts int
}

func (p HealthRetryPolicy) ShouldRetry(ctx context.Context, build Build, analysis *BuildResultAnalysis) (bool, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 2
	}
	if build.AttemptCount >= max {
		return false, nil
	}
	if analysis == nil {
		return false, nil
	}
	// Container steps that carry neither messages nor issues do not count
	// against the decision.
	considered := 0
	for _, step := range analysis.Steps {
		if len(step.Errors) == 0 && len(step.KnownIssues) == 0 {
			continue
		}
		considered++
		infra := false
		for _, issue := range step.KnownIssues {
			if issue.Kind == knownissue.KindInfrastructure {
				infra = true
				break
			}
		}
		if !infra {
			return false, nil
		}
	}
	return considered > 0, nil
}

// AttemptCapIssueRetryPolicy accepts issue-driven retries while the
// attempt budget lasts.
type AttemptCapIssueRetryPolicy struct {
	MaxAttempts int
}

func (p AttemptCapIssueRetryPolicy) ShouldRetryForIssue(ctx context.Context, build Build, issue knownissue.KnownIssue) (bool, error) {
	max := p.MaxAttempts
	if max <= 0 {
		max = 2
	}
	return build.AttemptCount < max, nil
}

// maybeRetry runs the automatic-retry decision for a failed build: the
// generic build-health policy first, then any matched known issue that
// carries the RetryBuild option. A retry request failure is logged and
// leaves the analysis marked as not rerun.
func (a *Analyzer) maybeRetry(ctx context.Context, build Build, analysis *BuildResultAnalysis) AutomaticRetry {
	if build.Result != BuildResultFailed {
		return AutomaticRetry{}
	}

	accept, err := a.retryPolicy.ShouldRetry(ctx, build, analysis)
	if err != nil {
		a.logger.Warn("build-health retry policy failed", "event", "retry_policy_failed", "build_id", build.ID, "error", err)
	}
	if accept {
		if err := a.data.RetryBuild(ctx, build.BuildRef); err != nil {
			a.logger.Warn("automatic retry request failed", "event", "retry_request_failed", "build_id", build.ID, "error", err)
			return AutomaticRetry{}
		}
		return AutomaticRetry{HasRerunAutomatically: true}
	}

	for _, issue := range matchedIssues(analysis) {
		if !issue.RetryBuild {
			continue
		}
		accept, err := a.issueRetryPolicy.ShouldRetryForIssue(ctx, build, issue)
		if err != nil {
			a.logger.Warn("issue retry policy failed", "event", "issue_retry_policy_failed", "build_id", build.ID, "issue", issue.Number, "error", err)
			continue
		}
		if !accept {
			continue
		}
		if err := a.data.RetryBuild(ctx, build.BuildRef); err != nil {
			a.logger.Warn("automatic retry request failed", "event", "retry_request_failed", "build_id", build.ID, "error", err)
			return AutomaticRetry{}
		}
		identity := issue.Identity()
		return AutomaticRetry{HasRerunAutomatically: true, Issue: &identity}
	}

	return AutomaticRetry{}
}

func matchedIssues(analysis *BuildResultAnalysis) []knownissue.KnownIssue {
	if analysis == nil {
		return nil
	}
	var all []knownissue.KnownIssue
	for _, step := range analysis.Steps {
		all = append(all, step.KnownIssues...)
	}
	for _, test := range analysis.Tests {
		all = append(all, test.KnownIssues...)
	}
	return knownissue.Dedupe(all)
}
