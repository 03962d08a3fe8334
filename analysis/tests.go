package analysis

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// analyzeTests fetches failing tests for the build, dedupes them by name,
// caps the sample, and fills in trailing-window history for each sampled
// test. In single-attempt mode, failures belonging to a job that
// nonetheless succeeded with issues are excluded as stale noise.
func (a *Analyzer) analyzeTests(ctx context.Context, build Build, allAttempts bool, succeededWithIssues map[string]struct{}, catalog catalogView) ([]TestResult, error) {
	cases, err := a.data.FailingTests(ctx, build.BuildRef, allAttempts)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cases))
	var sampled []TestCase
	for _, tc := range cases {
		if _, dup := seen[tc.Name]; dup {
			continue
		}
		if !allAttempts && tc.Ref != nil {
			if _, ok := succeededWithIssues[tc.Ref.Key()]; ok {
				continue
			}
		}
		seen[tc.Name] = struct{}{}
		sampled = append(sampled, tc)
		if len(sampled) >= a.opts.TestSampleSize {
			break
		}
	}

	results := make([]TestResult, len(sampled))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.opts.FetchConcurrency)
	for i, tc := range sampled {
		i, tc := i, tc
		group.Go(func() error {
			history, err := a.data.TestHistory(groupCtx, build.BuildRef, tc.Name, a.opts.HistoryWindowDays)
			if err != nil {
				return err
			}
			matched := a.matcher.MatchText(tc.Name, catalog.testIssues)
			results[i] = TestResult{
				Name:           tc.Name,
				FailedRuns:     history.Failed,
				TotalRuns:      history.Total,
				Configurations: tc.Configurations,
				WorkItemURL:    tc.WorkItemURL,
				KnownIssues:    matched,
				Explained:      len(matched) > 0,
				Ref:            tc.Ref,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
