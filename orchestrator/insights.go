package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/internal/vcs/github"
)

// QueueInsights publishes a supplementary check for pull request builds
// summarizing every pipeline already observed for the commit.
type QueueInsights struct {
	data      analysis.DataSource
	publisher CheckPublisher
}

// NewQueueInsights builds the side channel. The publisher should carry
// its own dedicated check name so insights never overwrite the triage
// verdict.
func NewQueueInsights(data analysis.DataSource, publisher CheckPublisher) *QueueInsights {
	return &QueueInsights{data: data, publisher: publisher}
}

func (q *QueueInsights) Generate(ctx context.Context, build analysis.Build) error {
	related, err := q.data.RelatedBuilds(ctx, build.Org, build.Project, build.Commit)
	if err != nil {
		return err
	}

	finished := 0
	var b strings.Builder
	fmt.Fprintf(&b, "Pipelines observed for `%s`:\n\n", build.Commit)
	for _, candidate := range related {
		marker := "in progress"
		if candidate.Finished {
			marker = string(candidate.Result)
			finished++
		}
		fmt.Fprintf(&b, "- %s: %s\n", candidate.DefinitionName, marker)
	}

	return q.publisher.Publish(ctx, build.Repository, github.CheckResult{
		HeadSHA:    build.Commit,
		Status:     "completed",
		Conclusion: "neutral",
		Title:      fmt.Sprintf("%d of %d pipelines finished", finished, len(related)),
		Summary:    b.String(),
	})
}
