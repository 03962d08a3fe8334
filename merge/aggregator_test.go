package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/storage"
	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/repoconfig"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

type fakeData struct {
	builds  map[int]analysis.Build
	related []analysis.Build
}

func (f *fakeData) Build(ctx context.Context, ref analysis.BuildRef) (analysis.Build, error) {
	build, ok := f.builds[ref.ID]
	if !ok {
		return analysis.Build{}, analysis.ErrBuildNotFound
	}
	return build, nil
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
	return f.related, nil
}

func (f *fakeData) RetryBuild(ctx context.Context, ref analysis.BuildRef) error {
	return nil
}

type fakeIssues struct {
	critical []knownissue.KnownIssue
}

func (f *fakeIssues) InfrastructureIssues(ctx context.Context) ([]knownissue.KnownIssue, error) {
	return nil, nil
}

func (f *fakeIssues) RepositoryIssues(ctx context.Context, repo string) ([]knownissue.KnownIssue, error) {
	return nil, nil
}

func (f *fakeIssues) CriticalIssues(ctx context.Context) ([]knownissue.KnownIssue, error) {
	return f.critical, nil
}

type fakeMapper struct{}

func (fakeMapper) MapRepository(ctx context.Context, project, repo string) (string, bool, error) {
	return repo, true, nil
}

type memStates struct {
	saved map[string]RelatedBuildState
}

func newMemStates() *memStates {
	return &memStates{saved: make(map[string]RelatedBuildState)}
}

func (m *memStates) Load(ctx context.Context, repo, commit string) (RelatedBuildState, error) {
	state, ok := m.saved[repo+"/"+commit]
	if !ok {
		return RelatedBuildState{}, nil
	}
	return state, nil
}

func (m *memStates) Save(ctx context.Context, repo, commit string, state RelatedBuildState) error {
	m.saved[repo+"/"+commit] = state
	return nil
}

type staticPolicy struct {
	policy repoconfig.Policy
}

func (s staticPolicy) Policy(ctx context.Context, repo, branch string) (repoconfig.Policy, error) {
	return s.policy, nil
}

func buildFixture(id, definitionID int, name string, result analysis.BuildResult) analysis.Build {
	return analysis.Build{
		BuildRef:       analysis.BuildRef{Org: "corp", Project: "engineering", ID: id},
		DefinitionID:   definitionID,
		DefinitionName: name,
		Commit:         "abc123",
		Repository:     "corp/runtime",
		TargetBranch:   "main",
		Result:         result,
		Finished:       true,
		AttemptCount:   1,
	}
}

func newAggregator(data *fakeData, states StateStore, policy repoconfig.Policy) *Aggregator {
	issues := &fakeIssues{}
	analyzer := analysis.NewAnalyzer(data, issues, fakeMapper{}, nil, nil, analysis.Options{})
	return NewAggregator(analyzer, data, issues, states, staticPolicy{policy: policy}, nil)
}

func TestMergePersistsOwnEntryBeforeAnalysis(t *testing.T) {
	trigger := buildFixture(1, 10, "runtime-ci", analysis.BuildResultSucceeded)
	data := &fakeData{builds: map[int]analysis.Build{1: trigger}}
	states := newMemStates()

	if _, err := newAggregator(data, states, repoconfig.Policy{}).Merge(context.Background(), trigger.BuildRef, DirectiveInclude); err != nil {
		t.Fatalf("merge: %v", err)
	}

	state := states.saved["corp/runtime/abc123"]
	entry, ok := state.Entry(10)
	if !ok || !entry.Included || entry.BuildID != 1 {
		t.Fatalf("expected included entry persisted, got %+v", state)
	}
}

func TestMergePartitionsRelatedPipelines(t *testing.T) {
	trigger := buildFixture(1, 10, "runtime-ci", analysis.BuildResultSucceeded)
	analyzed := buildFixture(2, 20, "libraries-ci", analysis.BuildResultSucceeded)
	pending := buildFixture(3, 30, "installer-ci", analysis.BuildResultSucceeded)
	filtered := buildFixture(4, 40, "experimental-ci", analysis.BuildResultSucceeded)

	data := &fakeData{
		builds:  map[int]analysis.Build{1: trigger, 2: analyzed, 3: pending, 4: filtered},
		related: []analysis.Build{analyzed, pending, filtered},
	}
	states := newMemStates()
	states.saved["corp/runtime/abc123"] = RelatedBuildState{}.With(30, RelatedEntry{BuildID: 3, Name: "installer-ci", Included: false})

	policy := repoconfig.Policy{Pipelines: repoconfig.PipelineFilter{Deny: []string{"experimental-ci"}}}
	merged, err := newAggregator(data, states, policy).Merge(context.Background(), trigger.BuildRef, DirectiveInclude)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(merged.Analyses) != 2 {
		t.Fatalf("expected trigger + analyzed build, got %d analyses", len(merged.Analyses))
	}
	if len(merged.Pending) != 1 || merged.Pending[0].Name != "installer-ci" {
		t.Fatalf("unexpected pending set: %+v", merged.Pending)
	}
	if len(merged.Filtered) != 1 || merged.Filtered[0].Name != "experimental-ci" {
		t.Fatalf("unexpected filtered set: %+v", merged.Filtered)
	}

	// Completeness: every discovered related pipeline is accounted for.
	total := (len(merged.Analyses) - 1) + len(merged.Pending) + len(merged.Filtered)
	if total != len(data.related) {
		t.Fatalf("partition incomplete: %d of %d pipelines accounted for", total, len(data.related))
	}
}

func TestMergeExcludeDirectiveListsSelfPending(t *testing.T) {
	trigger := buildFixture(1, 10, "runtime-ci", analysis.BuildResultSucceeded)
	data := &fakeData{builds: map[int]analysis.Build{1: trigger}}
	states := newMemStates()

	merged, err := newAggregator(data, states, repoconfig.Policy{}).Merge(context.Background(), trigger.BuildRef, DirectiveExclude)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	if len(merged.Analyses) != 0 {
		t.Fatalf("expected no analyses for excluded trigger, got %d", len(merged.Analyses))
	}
	if len(merged.Pending) != 1 || merged.Pending[0].Name != "runtime-ci" {
		t.Fatalf("expected trigger itself pending, got %+v", merged.Pending)
	}
	if merged.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", merged.Status)
	}

	entry, ok := states.saved["corp/runtime/abc123"].Entry(10)
	if !ok || entry.Included {
		t.Fatalf("expected excluded entry persisted, got %+v", entry)
	}
}

func TestConsolidatedStatus(t *testing.T) {
	explained := &analysis.BuildResultAnalysis{
		Build: analysis.Build{Result: analysis.BuildResultFailed},
		Summary: analysis.Summary{
			TotalSteps: 1,
		},
	}
	unexplained := &analysis.BuildResultAnalysis{
		Build:   analysis.Build{Result: analysis.BuildResultFailed},
		Summary: analysis.Summary{TotalSteps: 1, UnexplainedSteps: 1},
	}
	succeeded := &analysis.BuildResultAnalysis{
		Build: analysis.Build{Result: analysis.BuildResultSucceeded},
	}
	optIn := true

	cases := []struct {
		name     string
		analyses []*analysis.BuildResultAnalysis
		pending  int
		override *bool
		want     CheckStatus
	}{
		{"all green", []*analysis.BuildResultAnalysis{succeeded}, 0, nil, StatusSucceeded},
		{"pending dominates green", []*analysis.BuildResultAnalysis{succeeded}, 1, nil, StatusPending},
		{"unexplained fails", []*analysis.BuildResultAnalysis{succeeded, unexplained}, 1, &optIn, StatusFailed},
		{"explained fails without opt-in", []*analysis.BuildResultAnalysis{explained}, 0, nil, StatusFailed},
		{"explained passes with opt-in", []*analysis.BuildResultAnalysis{explained}, 0, &optIn, StatusSucceeded},
		{"explained with opt-in still waits", []*analysis.BuildResultAnalysis{explained}, 2, &optIn, StatusPending},
	}

	for _, tc := range cases {
		if got := consolidatedStatus(tc.analyses, tc.pending, tc.override); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestStateWithIsOrderIndependent(t *testing.T) {
	one := RelatedEntry{BuildID: 1, Name: "runtime-ci", Included: true}
	two := RelatedEntry{BuildID: 2, Name: "libraries-ci", Included: true}

	a := RelatedBuildState{}.With(10, one).With(20, two)
	b := RelatedBuildState{}.With(20, two).With(10, one)

	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("expected both orders to produce two entries: %v / %v", a, b)
	}
	for key, value := range a {
		if b[key] != value {
			t.Fatalf("states diverge at %s: %+v vs %+v", key, value, b[key])
		}
	}
}

type memBlobs struct {
	data map[string][]byte
}

func (m *memBlobs) Get(ctx context.Context, path string) ([]byte, error) {
	blob, ok := m.data[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
	}
	return blob, nil
}

func (m *memBlobs) Put(ctx context.Context, path string, data []byte) error {
	m.data[path] = data
	return nil
}

func TestBlobStateStoreRoundTrip(t *testing.T) {
	store := NewBlobStateStore(&memBlobs{data: make(map[string][]byte)})

	state, err := store.Load(context.Background(), "corp/runtime", "abc123")
	if err != nil {
		t.Fatalf("load absent state: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expected empty state, got %+v", state)
	}

	state = state.With(10, RelatedEntry{BuildID: 1, Name: "runtime-ci", Included: true})
	if err := store.Save(context.Background(), "corp/runtime", "abc123", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(context.Background(), "corp/runtime", "abc123")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entry, ok := loaded.Entry(10)
	if !ok || entry.BuildID != 1 || !entry.Included {
		t.Fatalf("unexpected loaded entry: %+v", entry)
	}
}
