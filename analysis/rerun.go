package analysis

import (
	"context"
	"fmt"

	"github.com/izavyalov-dev/triage-ci/timeline"
	"golang.org/x/sync/errgroup"
)

// analyzePriorAttempt reconstructs the failures of the attempt that
// preceded a successful rerun: it finds the highest attempt number
// referenced by the current records' previous-attempt lists, fetches
// every distinct timeline tagged with it in parallel, and recomputes
// step results over the union.
func (a *Analyzer) analyzePriorAttempt(ctx context.Context, build Build, current []timeline.Record, view catalogView) (*BuildResultAnalysis, error) {
	maxAttempt := 0
	for _, record := range current {
		for _, prev := range record.PreviousAttempts {
			if prev.AttemptNumber > maxAttempt {
				maxAttempt = prev.AttemptNumber
			}
		}
	}
	if maxAttempt == 0 {
		return nil, nil
	}

	ids := make(map[string]struct{})
	var ordered []string
	for _, record := range current {
		for _, prev := range record.PreviousAttempts {
			if prev.AttemptNumber != maxAttempt {
				continue
			}
			if _, ok := ids[prev.TimelineID]; ok {
				continue
			}
			ids[prev.TimelineID] = struct{}{}
			ordered = append(ordered, prev.TimelineID)
		}
	}

	lists := make([][]timeline.Record, len(ordered))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.opts.FetchConcurrency)
	for i, timelineID := range ordered {
		i, timelineID := i, timelineID
		group.Go(func() error {
			records, err := a.data.TimelineByID(groupCtx, build.BuildRef, timelineID)
			if err != nil {
				return fmt.Errorf("fetch prior timeline %s: %w", timelineID, err)
			}
			lists[i] = records
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	merged := timeline.MergeAttempts(lists...)
	tree, err := timeline.NewTree(merged)
	if err != nil {
		return nil, err
	}

	steps, _ := a.selectSteps(ctx, build, tree, view)
	steps = cleanupSteps(steps, nil)

	prior := &BuildResultAnalysis{
		Build:   build,
		Attempt: maxAttempt,
		Steps:   steps,
		Summary: summarize(steps, nil),
	}
	return prior, nil
}
