package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/ci/azdo"
	"github.com/izavyalov-dev/triage-ci/internal/observability"
	"github.com/izavyalov-dev/triage-ci/internal/vcs/github"
	"github.com/izavyalov-dev/triage-ci/merge"
	"github.com/izavyalov-dev/triage-ci/report"
	"github.com/izavyalov-dev/triage-ci/repoconfig"
	"github.com/izavyalov-dev/triage-ci/state"
)

const (
	lockTTL         = 5 * time.Minute
	lockRetryDelay  = 2 * time.Second
	lockRetryBudget = 3
)

// StateStore is the subset of the persistence layer the orchestrator
// drives: the commit lock, the per-build processing marker, and the
// analysis history behind the idempotency check.
type StateStore interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (state.Lock, error)
	ReleaseLock(ctx context.Context, key, holder string) error
	BeginProcessing(ctx context.Context, repo string, buildID, attempt int) (state.Processing, bool, error)
	CompleteProcessing(ctx context.Context, repo string, buildID, attempt int) error
	RecordAnalysis(ctx context.Context, entry state.HistoryEntry) (state.HistoryEntry, error)
	LatestAnalysis(ctx context.Context, repo string, buildID, attempt int) (state.HistoryEntry, error)
}

// Merger runs the cross-pipeline aggregation under the commit lock.
type Merger interface {
	Merge(ctx context.Context, ref analysis.BuildRef, directive merge.Directive) (*merge.MergedBuildResultAnalysis, error)
}

// CheckPublisher posts a rendered verdict to the hosting provider and
// reports whether a repository can receive check runs at all.
type CheckPublisher interface {
	Publish(ctx context.Context, repo string, result github.CheckResult) error
	ChecksEnabled(ctx context.Context, repo string) (bool, error)
}

// InsightsGenerator is the best-effort queue-insights side channel for
// pull request builds.
type InsightsGenerator interface {
	Generate(ctx context.Context, build analysis.Build) error
}

// Service drives one build-completion notification through triage:
// idempotency guard, repository gates, locked aggregation, publish, and
// best-effort persistence.
type Service struct {
	data      analysis.DataSource
	merger    Merger
	store     StateStore
	blobs     analysis.BlobStore
	publisher CheckPublisher
	policies  repoconfig.Source
	mapper    analysis.RepositoryMapper
	insights  InsightsGenerator
	metrics   *observability.Metrics
	logger    *slog.Logger
	ids       IDGenerator
	now       func() time.Time
	lockWait  time.Duration
}

// Deps bundles the service's collaborators.
type Deps struct {
	Data      analysis.DataSource
	Merger    Merger
	Store     StateStore
	Blobs     analysis.BlobStore
	Publisher CheckPublisher
	Policies  repoconfig.Source
	Mapper    analysis.RepositoryMapper
	Insights  InsightsGenerator
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	return &Service{
		data:      deps.Data,
		merger:    deps.Merger,
		store:     deps.Store,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		policies:  deps.Policies,
		mapper:    deps.Mapper,
		insights:  deps.Insights,
		metrics:   deps.Metrics,
		logger:    logger,
		ids:       RandomIDGenerator{},
		now:       time.Now,
		lockWait:  lockRetryDelay,
	}
}

// HandleNotification runs the notification state machine to a terminal
// outcome. A returned error means the notification should be redelivered.
func (s *Service) HandleNotification(ctx context.Context, notification Notification) (Result, error) {
	ref := analysis.BuildRef{Org: notification.Org, Project: notification.Project, ID: notification.BuildID}

	build, err := s.data.Build(ctx, ref)
	if err != nil {
		if errors.Is(err, analysis.ErrBuildNotFound) {
			s.logger.Error("build not found", "event", "build_not_found", "build_id", ref.ID)
			return Result{Outcome: OutcomeFailed, Reason: "build_not_found"}, err
		}
		return Result{Outcome: OutcomeFailed}, err
	}
	logger := observability.WithCommit(observability.WithBuild(s.logger, build.ID), build.Commit)

	if _, err := s.store.LatestAnalysis(ctx, build.Repository, build.ID, build.AttemptCount); err == nil {
		logger.Info("analysis already recorded, skipping", "event", "notification_skipped", "reason", SkipReasonAlreadyAnalyzed)
		s.metrics.IncSkip(SkipReasonAlreadyAnalyzed)
		return Result{Outcome: OutcomeSkipped, Reason: SkipReasonAlreadyAnalyzed}, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return Result{Outcome: OutcomeFailed}, err
	}

	if skip, err := s.repositoryGate(ctx, build, logger); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	} else if skip != "" {
		s.metrics.IncSkip(skip)
		s.recordHistory(ctx, build, "skipped:"+skip, "", logger)
		return Result{Outcome: OutcomeSkipped, Reason: skip}, nil
	}

	if err := s.generateInsights(ctx, build, logger); err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}

	merged, skipReason, err := s.runCriticalSection(ctx, build, logger)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if skipReason != "" {
		s.metrics.IncSkip(skipReason)
		return Result{Outcome: OutcomeSkipped, Reason: skipReason}, nil
	}

	summary, mode, err := s.publish(ctx, build, merged, logger)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	s.metrics.IncPublish(mode.String())
	s.metrics.IncAnalysis(strings.ToLower(string(merged.Status)))
	for _, a := range merged.Analyses {
		if !a.Retry.HasRerunAutomatically {
			continue
		}
		trigger := "health_policy"
		if a.Retry.Issue != nil {
			trigger = "known_issue"
		}
		s.metrics.IncRetry(trigger)
	}

	s.persistSnapshots(ctx, build, merged, summary, logger)
	return Result{Outcome: OutcomeDone}, nil
}

// repositoryGate returns a skip reason when the build's repository
// cannot receive checks or its pipeline is filtered out.
func (s *Service) repositoryGate(ctx context.Context, build analysis.Build, logger *slog.Logger) (string, error) {
	hosted := build.Repository
	if build.Internal {
		mapped, supported, err := s.mapper.MapRepository(ctx, build.Project, build.Repository)
		if err != nil {
			return "", fmt.Errorf("repository mapping: %w", err)
		}
		if !supported {
			logger.Info("repository not supported for checks", "event", "notification_skipped", "reason", SkipReasonNotSupported)
			return SkipReasonNotSupported, nil
		}
		hosted = mapped
	}

	enabled, err := s.publisher.ChecksEnabled(ctx, hosted)
	if err != nil {
		return "", fmt.Errorf("check capability for %s: %w", hosted, err)
	}
	if !enabled {
		logger.Info("check runs not enabled for repository", "event", "notification_skipped",
			"reason", SkipReasonNotSupported, "repo", hosted)
		return SkipReasonNotSupported, nil
	}

	policy, err := s.policies.Policy(ctx, build.Repository, build.TargetBranch)
	if err != nil {
		logger.Warn("policy lookup failed, using defaults", "event", "policy_lookup_failed", "error", err)
		policy = repoconfig.Policy{}
	}
	if !policy.Allows(build.DefinitionName) {
		logger.Info("pipeline filtered by repository policy", "event", "notification_skipped",
			"reason", SkipReasonFiltered, "pipeline", build.DefinitionName)
		return SkipReasonFiltered, nil
	}
	return "", nil
}

// generateInsights runs the queue-insights side channel for pull request
// builds. Transient backend failures propagate to trigger redelivery;
// everything else is logged and swallowed.
func (s *Service) generateInsights(ctx context.Context, build analysis.Build, logger *slog.Logger) error {
	if s.insights == nil || !isPullRequestBuild(build) {
		return nil
	}
	if err := s.insights.Generate(ctx, build); err != nil {
		if azdo.IsTransient(err) {
			return fmt.Errorf("queue insights: %w", err)
		}
		logger.Warn("queue insights generation failed", "event", "insights_failed", "error", err)
	}
	return nil
}

func isPullRequestBuild(build analysis.Build) bool {
	return strings.HasPrefix(build.TargetBranch, "refs/pull/")
}

// runCriticalSection serializes aggregation per commit: the in-process
// marker collapses duplicate deliveries, the leased lock serializes
// concurrent pipelines of the same commit.
func (s *Service) runCriticalSection(ctx context.Context, build analysis.Build, logger *slog.Logger) (*merge.MergedBuildResultAnalysis, string, error) {
	_, started, err := s.store.BeginProcessing(ctx, build.Repository, build.ID, build.AttemptCount)
	if err != nil {
		return nil, "", err
	}
	if !started {
		logger.Info("build already in process, skipping", "event", "notification_skipped", "reason", SkipReasonInProcess)
		return nil, SkipReasonInProcess, nil
	}
	defer func() {
		if err := s.store.CompleteProcessing(context.WithoutCancel(ctx), build.Repository, build.ID, build.AttemptCount); err != nil {
			logger.Warn("processing marker completion failed", "event", "processing_complete_failed", "error", err)
		}
	}()

	key := build.Repository + "/" + build.Commit
	holder := s.ids.HolderID()
	lock, err := s.acquireLockWithRetry(ctx, key, holder)
	if err != nil {
		if errors.Is(err, state.ErrLockHeld) {
			// The holder's merge pass discovers this build among the
			// commit's related builds, so exhausting the retry budget
			// skips rather than fails.
			logger.Info("commit lock held elsewhere, skipping", "event", "notification_skipped",
				"reason", SkipReasonLockHeld, "key", key)
			return nil, SkipReasonLockHeld, nil
		}
		return nil, "", err
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), lock.Key, lock.Holder); err != nil {
			logger.Warn("lock release failed", "event", "lock_release_failed", "key", lock.Key, "error", err)
		}
	}()

	directive := merge.DirectiveInclude
	if !build.Finished {
		directive = merge.DirectiveExclude
	}
	merged, err := s.merger.Merge(ctx, build.BuildRef, directive)
	if err != nil {
		return nil, "", err
	}
	return merged, "", nil
}

func (s *Service) acquireLockWithRetry(ctx context.Context, key, holder string) (state.Lock, error) {
	var lastErr error
	for attempt := 0; attempt < lockRetryBudget; attempt++ {
		lock, err := s.store.AcquireLock(ctx, key, holder, lockTTL)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, state.ErrLockHeld) {
			return state.Lock{}, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return state.Lock{}, ctx.Err()
		case <-time.After(s.lockWait):
		}
	}
	return state.Lock{}, fmt.Errorf("commit lock contention on %s: %w", key, lastErr)
}

// publish renders and posts the verdict, stepping down the render mode
// when the sink rejects the report for size.
func (s *Service) publish(ctx context.Context, build analysis.Build, merged *merge.MergedBuildResultAnalysis, logger *slog.Logger) (string, report.Mode, error) {
	status, conclusion := checkState(merged.Status)

	var summary string
	for _, mode := range []report.Mode{report.ModeFull, report.ModeTruncated, report.ModeSummaryOnly} {
		var title string
		title, summary = report.Render(merged, mode)
		err := s.publisher.Publish(ctx, merged.Repo, github.CheckResult{
			HeadSHA:    merged.Commit,
			Status:     status,
			Conclusion: conclusion,
			Title:      title,
			Summary:    summary,
		})
		if err == nil {
			return summary, mode, nil
		}
		if !github.IsMaxLength(err) || mode == report.ModeSummaryOnly {
			return "", mode, fmt.Errorf("publish check for %s: %w", merged.Commit, err)
		}
		logger.Info("report too large, shrinking", "event", "report_shrunk", "mode", mode.String(), "bytes", len(summary))
	}
	return summary, report.ModeSummaryOnly, nil
}

func checkState(status merge.CheckStatus) (string, string) {
	switch status {
	case merge.StatusSucceeded:
		return "completed", "success"
	case merge.StatusFailed:
		return "completed", "failure"
	default:
		return "in_progress", ""
	}
}

// persistSnapshots records analysis history and stores the report and
// raw merged analysis as timestamped artifacts. All failures here are
// logged and swallowed.
func (s *Service) persistSnapshots(ctx context.Context, build analysis.Build, merged *merge.MergedBuildResultAnalysis, summary string, logger *slog.Logger) {
	timestamp := s.now().UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("triage/%s/%s/%d/%s", merged.Repo, merged.Commit, build.ID, timestamp)

	s.recordHistory(ctx, build, strings.ToLower(string(merged.Status)), base, logger)

	if s.blobs == nil {
		return
	}
	if data, err := merge.EncodeSnapshot(merged); err != nil {
		logger.Warn("snapshot encode failed", "event", "snapshot_failed", "error", err)
	} else if err := s.blobs.Put(ctx, base+"/analysis.json", data); err != nil {
		logger.Warn("snapshot persist failed", "event", "snapshot_failed", "path", base+"/analysis.json", "error", err)
	}
	if err := s.blobs.Put(ctx, base+"/report.md", []byte(summary)); err != nil {
		logger.Warn("report persist failed", "event", "snapshot_failed", "path", base+"/report.md", "error", err)
	}
}

func (s *Service) recordHistory(ctx context.Context, build analysis.Build, status, snapshotPath string, logger *slog.Logger) {
	_, err := s.store.RecordAnalysis(ctx, state.HistoryEntry{
		Repo:         build.Repository,
		Commit:       build.Commit,
		BuildID:      build.ID,
		Attempt:      build.AttemptCount,
		Status:       status,
		SnapshotPath: snapshotPath,
	})
	if err != nil {
		logger.Warn("history record failed", "event", "history_record_failed", "error", err)
	}
}
