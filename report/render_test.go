package report

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/merge"
)

func mergedFixture() *merge.MergedBuildResultAnalysis {
	longMessage := strings.Repeat("error NU1301 unable to load service index ", 30)
	return &merge.MergedBuildResultAnalysis{
		Repo:   "corp/runtime",
		Commit: "abc123",
		Status: merge.StatusFailed,
		Analyses: []*analysis.BuildResultAnalysis{
			{
				Build: analysis.Build{
					DefinitionName: "runtime-ci",
					Result:         analysis.BuildResultFailed,
					URL:            "https://ci/build/42",
				},
				Steps: []analysis.StepResult{
					{
						Names:  []string{"Build", "Linux x64", "Restore"},
						Errors: []analysis.StepError{{Message: longMessage}},
						KnownIssues: []knownissue.KnownIssue{
							{Repo: "corp/infra", Number: 11, Title: "NuGet feed flakiness", URL: "https://github.com/corp/infra/issues/11"},
						},
					},
				},
				Summary: analysis.Summary{TotalSteps: 1},
			},
		},
		Pending:  []merge.PipelineLink{{Name: "libraries-ci"}},
		Filtered: []merge.PipelineLink{{Name: "experimental-ci"}},
	}
}

func TestRenderFullIncludesEverything(t *testing.T) {
	title, summary := Render(mergedFixture(), ModeFull)
	if title != "1 failing pipeline(s)" {
		t.Fatalf("unexpected title: %s", title)
	}
	for _, want := range []string{"runtime-ci", "Build / Linux x64 / Restore", "NuGet feed flakiness", "Waiting for", "libraries-ci", "Not considered", "experimental-ci"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestRenderModesShrinkMonotonically(t *testing.T) {
	merged := mergedFixture()
	_, full := Render(merged, ModeFull)
	_, truncated := Render(merged, ModeTruncated)
	_, summaryOnly := Render(merged, ModeSummaryOnly)

	if len(truncated) >= len(full) {
		t.Fatalf("truncated (%d) not smaller than full (%d)", len(truncated), len(full))
	}
	if len(summaryOnly) >= len(truncated) {
		t.Fatalf("summary-only (%d) not smaller than truncated (%d)", len(summaryOnly), len(truncated))
	}
}

func TestRenderTruncatedClipsErrors(t *testing.T) {
	_, summary := Render(mergedFixture(), ModeTruncated)
	if !strings.Contains(summary, "...") {
		t.Fatal("expected clipped error message marker")
	}
}

func TestRenderSummaryOnlyOmitsStepDetail(t *testing.T) {
	_, summary := Render(mergedFixture(), ModeSummaryOnly)
	if strings.Contains(summary, "Restore") {
		t.Fatalf("summary-only mode must not list steps:\n%s", summary)
	}
	if !strings.Contains(summary, "runtime-ci: Failed") {
		t.Fatalf("summary-only mode missing per-pipeline counts:\n%s", summary)
	}
}

func TestRenderPendingTitle(t *testing.T) {
	merged := mergedFixture()
	merged.Status = merge.StatusPending
	title, _ := Render(merged, ModeFull)
	if title != "Waiting for 1 pipeline(s)" {
		t.Fatalf("unexpected title: %s", title)
	}
}

func TestClipCutsAtRuneBoundary(t *testing.T) {
	// A two-byte rune straddles the truncation offset.
	message := strings.Repeat("a", truncatedErrorLen-1) + "é and more"
	clipped := clip(message, ModeTruncated)
	if !utf8.ValidString(clipped) {
		t.Fatalf("clipped message is not valid UTF-8: %q", clipped[len(clipped)-8:])
	}
	if !strings.HasSuffix(clipped, "...") {
		t.Fatalf("expected truncation marker, got %q", clipped[len(clipped)-8:])
	}
	if len(clipped) != truncatedErrorLen-1+len("...") {
		t.Fatalf("expected cut backed up to the rune boundary, got length %d", len(clipped))
	}
}
