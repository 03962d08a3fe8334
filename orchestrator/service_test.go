package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/vcs/github"
	"github.com/izavyalov-dev/triage-ci/merge"
	"github.com/izavyalov-dev/triage-ci/repoconfig"
	"github.com/izavyalov-dev/triage-ci/state"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

type fakeData struct {
	build analysis.Build
}

func (f *fakeData) Build(ctx context.Context, ref analysis.BuildRef) (analysis.Build, error) {
	if f.build.ID != ref.ID {
		return analysis.Build{}, analysis.ErrBuildNotFound
	}
	return f.build, nil
}

func (f *fakeData) Timeline(ctx context.Context, ref analysis.BuildRef, attempt int) ([]timeline.Record, error) {
	return nil, nil
}

func (f *fakeData) TimelineByID(ctx context.Context, ref analysis.BuildRef, timelineID string) ([]timeline.Record, error) {
	return nil, nil
}

func (f *fakeData) FailingTests(ctx context.Context, ref analysis.BuildRef, allAttempts bool) ([]analysis.TestCase, error) {
	return nil, nil
}

func (f *fakeData) TestHistory(ctx context.Context, ref analysis.BuildRef, testName string, days int) (analysis.TestHistory, error) {
	return analysis.TestHistory{}, nil
}

func (f *fakeData) Log(ctx context.Context, ref analysis.BuildRef, logURL string) (io.ReadCloser, error) {
	return nil, errors.New("no logs")
}

func (f *fakeData) RelatedBuilds(ctx context.Context, org, project, commit string) ([]analysis.Build, error) {
	return nil, nil
}

func (f *fakeData) RetryBuild(ctx context.Context, ref analysis.BuildRef) error { return nil }

type fakeStore struct {
	history      map[string]state.HistoryEntry
	processing   map[string]state.ProcessingPhase
	locked       map[string]string
	lockReleases int
	completes    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		history:    make(map[string]state.HistoryEntry),
		processing: make(map[string]state.ProcessingPhase),
		locked:     make(map[string]string),
	}
}

func processingKey(repo string, buildID, attempt int) string {
	return fmt.Sprintf("%s/%d/%d", repo, buildID, attempt)
}

func (f *fakeStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (state.Lock, error) {
	if existing, ok := f.locked[key]; ok && existing != holder {
		return state.Lock{}, state.ErrLockHeld
	}
	f.locked[key] = holder
	return state.Lock{Key: key, Holder: holder}, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, key, holder string) error {
	if f.locked[key] == holder {
		delete(f.locked, key)
		f.lockReleases++
	}
	return nil
}

func (f *fakeStore) BeginProcessing(ctx context.Context, repo string, buildID, attempt int) (state.Processing, bool, error) {
	key := processingKey(repo, buildID, attempt)
	// Mirrors the store: only a live IN_PROCESS marker blocks; a
	// COMPLETED marker is reclaimed.
	if f.processing[key] == state.PhaseInProcess {
		return state.Processing{Phase: state.PhaseInProcess}, false, nil
	}
	f.processing[key] = state.PhaseInProcess
	return state.Processing{Phase: state.PhaseInProcess}, true, nil
}

func (f *fakeStore) CompleteProcessing(ctx context.Context, repo string, buildID, attempt int) error {
	f.processing[processingKey(repo, buildID, attempt)] = state.PhaseCompleted
	f.completes++
	return nil
}

func (f *fakeStore) RecordAnalysis(ctx context.Context, entry state.HistoryEntry) (state.HistoryEntry, error) {
	f.history[processingKey(entry.Repo, entry.BuildID, entry.Attempt)] = entry
	return entry, nil
}

func (f *fakeStore) LatestAnalysis(ctx context.Context, repo string, buildID, attempt int) (state.HistoryEntry, error) {
	entry, ok := f.history[processingKey(repo, buildID, attempt)]
	if !ok {
		return state.HistoryEntry{}, state.ErrNotFound
	}
	return entry, nil
}

type fakeMerger struct {
	merged *merge.MergedBuildResultAnalysis
	err    error
	calls  int
}

func (f *fakeMerger) Merge(ctx context.Context, ref analysis.BuildRef, directive merge.Directive) (*merge.MergedBuildResultAnalysis, error) {
	f.calls++
	return f.merged, f.err
}

type fakePublisher struct {
	maxLengthFailures int
	checksDisabled    bool
	published         []github.CheckResult
}

func (f *fakePublisher) Publish(ctx context.Context, repo string, result github.CheckResult) error {
	if f.maxLengthFailures > 0 {
		f.maxLengthFailures--
		return &github.APIError{StatusCode: 422, Message: "summary exceeds maximum length"}
	}
	f.published = append(f.published, result)
	return nil
}

func (f *fakePublisher) ChecksEnabled(ctx context.Context, repo string) (bool, error) {
	return !f.checksDisabled, nil
}

type allowAllPolicies struct {
	policy repoconfig.Policy
}

func (p allowAllPolicies) Policy(ctx context.Context, repo, branch string) (repoconfig.Policy, error) {
	return p.policy, nil
}

type fakeMapper struct {
	supported bool
}

func (m fakeMapper) MapRepository(ctx context.Context, project, repo string) (string, bool, error) {
	return repo, m.supported, nil
}

func finishedBuild() analysis.Build {
	return analysis.Build{
		BuildRef:       analysis.BuildRef{Org: "corp", Project: "engineering", ID: 42},
		DefinitionID:   10,
		DefinitionName: "runtime-ci",
		Commit:         "abc123",
		Repository:     "corp/runtime",
		TargetBranch:   "main",
		Result:         analysis.BuildResultSucceeded,
		Finished:       true,
		AttemptCount:   1,
	}
}

func succeededMerge() *merge.MergedBuildResultAnalysis {
	return &merge.MergedBuildResultAnalysis{
		Repo:   "corp/runtime",
		Commit: "abc123",
		Status: merge.StatusSucceeded,
		Analyses: []*analysis.BuildResultAnalysis{
			{Build: analysis.Build{DefinitionName: "runtime-ci", Result: analysis.BuildResultSucceeded}},
		},
	}
}

func newTestService(store *fakeStore, merger *fakeMerger, publisher *fakePublisher) *Service {
	return NewService(Deps{
		Data:      &fakeData{build: finishedBuild()},
		Merger:    merger,
		Store:     store,
		Publisher: publisher,
		Policies:  allowAllPolicies{},
		Mapper:    fakeMapper{supported: true},
	})
}

func TestHandleNotificationHappyPath(t *testing.T) {
	store := newFakeStore()
	merger := &fakeMerger{merged: succeededMerge()}
	publisher := &fakePublisher{}
	service := newTestService(store, merger, publisher)

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeDone {
		t.Fatalf("expected done, got %+v", result)
	}
	if len(publisher.published) != 1 || publisher.published[0].Conclusion != "success" {
		t.Fatalf("unexpected publishes: %+v", publisher.published)
	}
	if store.completes != 1 || len(store.locked) != 0 {
		t.Fatalf("expected processing completed and lock released: %+v", store)
	}
	if _, err := store.LatestAnalysis(context.Background(), "corp/runtime", 42, 1); err != nil {
		t.Fatalf("expected history entry: %v", err)
	}
}

func TestReplayedNotificationIsSkipped(t *testing.T) {
	store := newFakeStore()
	merger := &fakeMerger{merged: succeededMerge()}
	publisher := &fakePublisher{}
	service := newTestService(store, merger, publisher)

	notification := Notification{Org: "corp", Project: "engineering", BuildID: 42}
	if _, err := service.HandleNotification(context.Background(), notification); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	result, err := service.HandleNotification(context.Background(), notification)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result.Outcome != OutcomeSkipped || result.Reason != SkipReasonAlreadyAnalyzed {
		t.Fatalf("expected idempotent skip, got %+v", result)
	}
	if merger.calls != 1 || len(publisher.published) != 1 {
		t.Fatalf("replay must not re-run analysis or publish: merges=%d publishes=%d", merger.calls, len(publisher.published))
	}
}

func TestInProcessMarkerSkipsDuplicate(t *testing.T) {
	store := newFakeStore()
	store.processing[processingKey("corp/runtime", 42, 1)] = state.PhaseInProcess
	service := newTestService(store, &fakeMerger{merged: succeededMerge()}, &fakePublisher{})

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeSkipped || result.Reason != SkipReasonInProcess {
		t.Fatalf("expected in-process skip, got %+v", result)
	}
}

func TestFilteredPipelineIsSkippedWithHistory(t *testing.T) {
	store := newFakeStore()
	merger := &fakeMerger{merged: succeededMerge()}
	service := NewService(Deps{
		Data:      &fakeData{build: finishedBuild()},
		Merger:    merger,
		Store:     store,
		Publisher: &fakePublisher{},
		Policies:  allowAllPolicies{policy: repoconfig.Policy{Pipelines: repoconfig.PipelineFilter{Deny: []string{"runtime-ci"}}}},
		Mapper:    fakeMapper{supported: true},
	})

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeSkipped || result.Reason != SkipReasonFiltered {
		t.Fatalf("expected filtered skip, got %+v", result)
	}
	if merger.calls != 0 {
		t.Fatal("filtered notification must not reach the aggregator")
	}
	entry, err := store.LatestAnalysis(context.Background(), "corp/runtime", 42, 1)
	if err != nil || entry.Status != "skipped:filtered" {
		t.Fatalf("expected skip recorded in history, got %+v %v", entry, err)
	}
}

func TestUnsupportedInternalRepoIsSkipped(t *testing.T) {
	store := newFakeStore()
	build := finishedBuild()
	build.Internal = true
	service := NewService(Deps{
		Data:      &fakeData{build: build},
		Merger:    &fakeMerger{merged: succeededMerge()},
		Store:     store,
		Publisher: &fakePublisher{},
		Policies:  allowAllPolicies{},
		Mapper:    fakeMapper{supported: false},
	})

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeSkipped || result.Reason != SkipReasonNotSupported {
		t.Fatalf("expected not-supported skip, got %+v", result)
	}
}

func TestPublishShrinksOnMaxLength(t *testing.T) {
	store := newFakeStore()
	merged := succeededMerge()
	merged.Analyses[0].Steps = []analysis.StepResult{{
		Names:  []string{"Build", "Linux x64", "Restore"},
		Errors: []analysis.StepError{{Message: strings.Repeat("x", 2000)}},
	}}
	publisher := &fakePublisher{maxLengthFailures: 2}
	service := newTestService(store, &fakeMerger{merged: merged}, publisher)

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeDone {
		t.Fatalf("expected done after shrink, got %+v", result)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected exactly one successful publish, got %d", len(publisher.published))
	}
	// Two max-length rejections step down to summary-only mode.
	if strings.Contains(publisher.published[0].Summary, "Restore") {
		t.Fatalf("expected summary-only report, got:\n%s", publisher.published[0].Summary)
	}
}

func TestFailedInvocationStaysRedeliverable(t *testing.T) {
	store := newFakeStore()
	merger := &fakeMerger{err: errors.New("backend down")}
	publisher := &fakePublisher{}
	service := newTestService(store, merger, publisher)
	notification := Notification{Org: "corp", Project: "engineering", BuildID: 42}

	if _, err := service.HandleNotification(context.Background(), notification); err == nil {
		t.Fatal("expected first delivery to fail")
	}

	// The completed marker from the failed pass must not suppress the
	// redelivery.
	merger.err = nil
	merger.merged = succeededMerge()
	result, err := service.HandleNotification(context.Background(), notification)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if result.Outcome != OutcomeDone {
		t.Fatalf("expected redelivery to triage the build, got %+v", result)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected one publish from the redelivery, got %d", len(publisher.published))
	}
}

func TestChecksDisabledRepoIsSkipped(t *testing.T) {
	store := newFakeStore()
	merger := &fakeMerger{merged: succeededMerge()}
	publisher := &fakePublisher{checksDisabled: true}
	service := newTestService(store, merger, publisher)

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeSkipped || result.Reason != SkipReasonNotSupported {
		t.Fatalf("expected not-supported skip, got %+v", result)
	}
	if merger.calls != 0 {
		t.Fatal("checks-disabled repository must not reach the aggregator")
	}
}

func TestLockContentionExhaustionSkips(t *testing.T) {
	store := newFakeStore()
	store.locked["corp/runtime/abc123"] = "another-holder"
	merger := &fakeMerger{merged: succeededMerge()}
	service := newTestService(store, merger, &fakePublisher{})
	service.lockWait = time.Millisecond

	result, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Outcome != OutcomeSkipped || result.Reason != SkipReasonLockHeld {
		t.Fatalf("expected lock-held skip, got %+v", result)
	}
	if merger.calls != 0 {
		t.Fatal("lock contention must not reach the aggregator")
	}
	if store.completes != 1 {
		t.Fatal("processing marker must complete when the lock is never acquired")
	}
}

func TestMergeFailureReleasesLockAndMarker(t *testing.T) {
	store := newFakeStore()
	merger := &fakeMerger{err: errors.New("backend down")}
	service := newTestService(store, merger, &fakePublisher{})

	_, err := service.HandleNotification(context.Background(), Notification{Org: "corp", Project: "engineering", BuildID: 42})
	if err == nil {
		t.Fatal("expected merge failure to propagate")
	}
	if len(store.locked) != 0 || store.lockReleases != 1 {
		t.Fatalf("lock must be released on failure: %+v", store.locked)
	}
	if store.completes != 1 {
		t.Fatal("processing marker must complete on failure")
	}
}
