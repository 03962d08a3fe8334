package report

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/knownissue"
	"github.com/izavyalov-dev/triage-ci/merge"
)

// Mode selects how much detail the rendered report carries. Callers step
// down a mode when the publishing sink rejects the report for size.
type Mode int

const (
	ModeFull Mode = iota
	ModeTruncated
	ModeSummaryOnly
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeTruncated:
		return "truncated"
	case ModeSummaryOnly:
		return "summary_only"
	default:
		return "unknown"
	}
}

const (
	truncatedErrorLen   = 400
	truncatedIssueCount = 10
)

// Render produces the check run title and Markdown summary for a merged
// analysis.
func Render(merged *merge.MergedBuildResultAnalysis, mode Mode) (title, summary string) {
	title = renderTitle(merged)

	var b strings.Builder
	fmt.Fprintf(&b, "Commit `%s` in `%s`\n\n", merged.Commit, merged.Repo)
	fmt.Fprintf(&b, "Consolidated status: **%s**\n", merged.Status)

	if len(merged.CriticalIssues) > 0 {
		b.WriteString("\n### Critical infrastructure issues\n")
		for _, issue := range capIssues(merged.CriticalIssues, mode) {
			fmt.Fprintf(&b, "- [%s](%s)\n", sanitize(issue.Title), issue.URL)
		}
	}

	if mode == ModeSummaryOnly {
		renderCounts(&b, merged)
		return title, b.String()
	}

	for _, a := range merged.Analyses {
		renderAnalysis(&b, a, mode)
	}

	if len(merged.Pending) > 0 {
		b.WriteString("\n### Waiting for\n")
		for _, link := range merged.Pending {
			fmt.Fprintf(&b, "- %s\n", renderLink(link))
		}
	}
	if len(merged.Filtered) > 0 {
		b.WriteString("\n### Not considered\n")
		for _, link := range merged.Filtered {
			fmt.Fprintf(&b, "- %s\n", renderLink(link))
		}
	}

	return title, b.String()
}

func renderTitle(merged *merge.MergedBuildResultAnalysis) string {
	switch merged.Status {
	case merge.StatusSucceeded:
		return "All pipelines green"
	case merge.StatusPending:
		return fmt.Sprintf("Waiting for %d pipeline(s)", len(merged.Pending))
	default:
		failing := 0
		for _, a := range merged.Analyses {
			if a.Failed() {
				failing++
			}
		}
		return fmt.Sprintf("%d failing pipeline(s)", failing)
	}
}

func renderCounts(b *strings.Builder, merged *merge.MergedBuildResultAnalysis) {
	fmt.Fprintf(b, "\nAnalyzed %d pipeline(s), %d pending, %d filtered.\n",
		len(merged.Analyses), len(merged.Pending), len(merged.Filtered))
	for _, a := range merged.Analyses {
		fmt.Fprintf(b, "- %s: %s (%d/%d unexplained steps, %d/%d unexplained tests)\n",
			sanitize(a.Build.DefinitionName), a.Build.Result,
			a.Summary.UnexplainedSteps, a.Summary.TotalSteps,
			a.Summary.UnexplainedTests, a.Summary.TotalTests)
	}
}

func renderAnalysis(b *strings.Builder, a *analysis.BuildResultAnalysis, mode Mode) {
	fmt.Fprintf(b, "\n### [%s](%s): %s\n", sanitize(a.Build.DefinitionName), a.Build.URL, a.Build.Result)
	if a.Rerun {
		fmt.Fprintf(b, "Attempt %d; earlier attempt failed and was retried.\n", a.Attempt)
	}
	if a.Retry.HasRerunAutomatically {
		if a.Retry.Issue != nil {
			fmt.Fprintf(b, "Retried automatically for known issue %s#%d.\n", a.Retry.Issue.Repo, a.Retry.Issue.Number)
		} else {
			b.WriteString("Retried automatically.\n")
		}
	}
	for _, message := range a.Build.ValidationErrors {
		fmt.Fprintf(b, "- Validation: %s\n", clip(sanitize(message), mode))
	}

	for _, step := range a.Steps {
		fmt.Fprintf(b, "- **%s**\n", sanitize(strings.Join(step.Names, " / ")))
		for _, stepErr := range step.Errors {
			message := clip(sanitize(stepErr.Message), mode)
			if stepErr.LogLink != "" {
				fmt.Fprintf(b, "  - [%s](%s)\n", message, stepErr.LogLink)
			} else {
				fmt.Fprintf(b, "  - %s\n", message)
			}
		}
		renderIssues(b, step.KnownIssues, mode)
	}

	for _, test := range a.Tests {
		fmt.Fprintf(b, "- Test **%s** failed in %d of %d recent runs\n",
			sanitize(test.Name), test.FailedRuns, test.TotalRuns)
		if len(test.Configurations) > 0 && mode == ModeFull {
			fmt.Fprintf(b, "  - Configurations: %s\n", sanitize(strings.Join(test.Configurations, ", ")))
		}
		renderIssues(b, test.KnownIssues, mode)
	}

	if a.PriorAttempt != nil {
		fmt.Fprintf(b, "\nPrevious attempt %d failures:\n", a.PriorAttempt.Attempt)
		for _, step := range a.PriorAttempt.Steps {
			fmt.Fprintf(b, "- %s\n", sanitize(strings.Join(step.Names, " / ")))
		}
	}
}

func renderIssues(b *strings.Builder, issues []knownissue.KnownIssue, mode Mode) {
	for _, issue := range capIssues(issues, mode) {
		fmt.Fprintf(b, "  - Known issue: [%s](%s)\n", sanitize(issue.Title), issue.URL)
	}
}

func capIssues(issues []knownissue.KnownIssue, mode Mode) []knownissue.KnownIssue {
	if mode == ModeFull || len(issues) <= truncatedIssueCount {
		return issues
	}
	return issues[:truncatedIssueCount]
}

func renderLink(link merge.PipelineLink) string {
	if link.URL == "" {
		return sanitize(link.Name)
	}
	return fmt.Sprintf("[%s](%s)", sanitize(link.Name), link.URL)
}

func clip(message string, mode Mode) string {
	if mode == ModeFull || len(message) <= truncatedErrorLen {
		return message
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := truncatedErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + "..."
}

func sanitize(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return strings.TrimSpace(value)
}
