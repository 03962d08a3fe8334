package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/observability"
	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/repoconfig"
	"golang.org/x/sync/errgroup"
)

// Directive states whether the triggering build participates in the
// merged verdict.
type Directive string

const (
	DirectiveInclude Directive = "Include"
	DirectiveExclude Directive = "Exclude"
)

// CheckStatus is the consolidated verdict for a commit.
type CheckStatus string

const (
	StatusSucceeded CheckStatus = "Succeeded"
	StatusFailed    CheckStatus = "Failed"
	StatusPending   CheckStatus = "Pending"
)

// PipelineLink names a pipeline on the merged report without analyzing it.
type PipelineLink struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// MergedBuildResultAnalysis is the commit-level result covering every
// pipeline triggered by the same commit.
type MergedBuildResultAnalysis struct {
	Repo           string                          `json:"repo"`
	Commit         string                          `json:"commit"`
	Status         CheckStatus                     `json:"status"`
	Analyses       []*analysis.BuildResultAnalysis `json:"analyses,omitempty"`
	Pending        []PipelineLink                  `json:"pending,omitempty"`
	Filtered       []PipelineLink                  `json:"filtered,omitempty"`
	CriticalIssues []knownissue.KnownIssue         `json:"critical_issues,omitempty"`
}

// Aggregator combines the triggering build's analysis with every related
// pipeline for the same commit, tracking still-pending pipelines through
// persisted state.
type Aggregator struct {
	analyzer    *analysis.Analyzer
	data        analysis.DataSource
	issues      analysis.IssueSource
	states      StateStore
	policies    repoconfig.Source
	logger      *slog.Logger
	concurrency int
}

// NewAggregator wires a merged aggregator.
func NewAggregator(analyzer *analysis.Analyzer, data analysis.DataSource, issues analysis.IssueSource, states StateStore, policies repoconfig.Source, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = observability.NewLogger("merge")
	}
	return &Aggregator{
		analyzer:    analyzer,
		data:        data,
		issues:      issues,
		states:      states,
		policies:    policies,
		logger:      logger,
		concurrency: 5,
	}
}

// Merge runs the cross-pipeline aggregation for the triggering build.
// Callers must hold the commit lock: the read-modify-write of the
// related-build state is only safe when serialized per commit.
func (g *Aggregator) Merge(ctx context.Context, ref analysis.BuildRef, directive Directive) (*MergedBuildResultAnalysis, error) {
	build, err := g.data.Build(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch triggering build %d: %w", ref.ID, err)
	}

	state, err := g.states.Load(ctx, build.Repository, build.Commit)
	if err != nil {
		return nil, err
	}
	state = state.With(build.DefinitionID, RelatedEntry{
		BuildID:  build.ID,
		Name:     build.DefinitionName,
		URL:      build.URL,
		Included: directive == DirectiveInclude,
	})
	// Persist before any further work so a concurrently-completing
	// pipeline observes this one's latest status even if this invocation
	// fails later on.
	if err := g.states.Save(ctx, build.Repository, build.Commit, state); err != nil {
		return nil, err
	}

	merged := &MergedBuildResultAnalysis{Repo: build.Repository, Commit: build.Commit}

	if directive == DirectiveInclude {
		triggering, err := g.analyzer.Analyze(ctx, ref, analysis.ModeLatestAttempt)
		if err != nil {
			return nil, err
		}
		merged.Analyses = append(merged.Analyses, triggering)
	}

	policy, err := g.policies.Policy(ctx, build.Repository, build.TargetBranch)
	if err != nil {
		g.logger.Warn("policy lookup failed, analyzing all pipelines",
			"event", "policy_lookup_failed", "repo", build.Repository, "error", err)
		policy = repoconfig.Policy{}
	}

	related, err := g.data.RelatedBuilds(ctx, build.Org, build.Project, build.Commit)
	if err != nil {
		return nil, fmt.Errorf("discover related builds: %w", err)
	}

	var toAnalyze []analysis.Build
	for _, candidate := range related {
		if candidate.ID == build.ID {
			continue
		}
		if !policy.Allows(candidate.DefinitionName) {
			merged.Filtered = append(merged.Filtered, PipelineLink{Name: candidate.DefinitionName, URL: candidate.URL})
			continue
		}
		if entry, ok := state.Entry(candidate.DefinitionID); ok && !entry.Included {
			merged.Pending = append(merged.Pending, PipelineLink{Name: candidate.DefinitionName, URL: candidate.URL})
			continue
		}
		toAnalyze = append(toAnalyze, candidate)
	}

	if directive == DirectiveExclude {
		// Related-build discovery never returns the build under
		// evaluation, so an excluded trigger must list itself as pending.
		merged.Pending = append(merged.Pending, PipelineLink{Name: build.DefinitionName, URL: build.URL})
	}

	relatedAnalyses := make([]*analysis.BuildResultAnalysis, len(toAnalyze))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.concurrency)
	for i, candidate := range toAnalyze {
		i, candidate := i, candidate
		group.Go(func() error {
			result, err := g.analyzer.Analyze(groupCtx, candidate.BuildRef, analysis.ModeLatestAttempt)
			if err != nil {
				return fmt.Errorf("analyze related build %d: %w", candidate.ID, err)
			}
			relatedAnalyses[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	merged.Analyses = append(merged.Analyses, relatedAnalyses...)

	critical, err := g.issues.CriticalIssues(ctx)
	if err != nil {
		g.logger.Warn("critical issue lookup failed", "event", "critical_issues_failed", "error", err)
	} else {
		merged.CriticalIssues = critical
	}

	merged.Status = consolidatedStatus(merged.Analyses, len(merged.Pending), policy.MergeOnKnownIssues)
	return merged, nil
}

// EncodeSnapshot serializes a merged analysis for snapshot storage.
func EncodeSnapshot(merged *MergedBuildResultAnalysis) ([]byte, error) {
	return json.MarshalIndent(merged, "", "  ")
}

// consolidatedStatus folds all included analyses, the pending count, and
// the repository's merge-on-known-issue override into one verdict. An
// unexplained failure dominates everything; failures fully explained by
// known issues pass only when the repository opts in.
func consolidatedStatus(analyses []*analysis.BuildResultAnalysis, pending int, mergeOnKnownIssues *bool) CheckStatus {
	allowKnownIssues := mergeOnKnownIssues != nil && *mergeOnKnownIssues

	explained := false
	for _, a := range analyses {
		if !a.Failed() {
			continue
		}
		if a.Unexplained() {
			return StatusFailed
		}
		explained = true
	}
	if explained && !allowKnownIssues {
		return StatusFailed
	}
	if pending > 0 {
		return StatusPending
	}
	return StatusSucceeded
}
