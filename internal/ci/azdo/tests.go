package azdo

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

type testResultsPayload struct {
	Results []struct {
		ID                int    `json:"id"`
		AutomatedTestName string `json:"automatedTestName"`
		TestCaseTitle     string `json:"testCaseTitle"`
		Outcome           string `json:"outcome"`
		TestRun           struct {
			ID string `json:"id"`
		} `json:"testRun"`
		Configuration struct {
			Name string `json:"name"`
		} `json:"configuration"`
		AssociatedBugs []struct {
			URL string `json:"url"`
		} `json:"associatedBugs"`
	} `json:"results"`
}

type testRunPayload struct {
	PipelineReference struct {
		StageReference struct {
			StageName string `json:"stageName"`
			Attempt   int    `json:"attempt"`
		} `json:"stageReference"`
		PhaseReference struct {
			PhaseName string `json:"phaseName"`
			Attempt   int    `json:"attempt"`
		} `json:"phaseReference"`
		JobReference struct {
			JobName string `json:"jobName"`
			Attempt int    `json:"attempt"`
		} `json:"jobReference"`
	} `json:"pipelineReference"`
}

// FailingTests lists failed test results for a build. With allAttempts
// the provider includes results superseded by reruns.
func (c *Client) FailingTests(ctx context.Context, ref analysis.BuildRef, allAttempts bool) ([]analysis.TestCase, error) {
	path := fmt.Sprintf("/%s/%s/_apis/test/results", ref.Org, ref.Project)
	query := url.Values{}
	query.Set("buildId", strconv.Itoa(ref.ID))
	query.Set("outcomes", "Failed")
	if allAttempts {
		query.Set("allIterations", "true")
	}

	var payload testResultsPayload
	if err := c.getJSON(ctx, "failing_tests", path, query, &payload); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	cases := make([]analysis.TestCase, 0, len(payload.Results))
	for _, result := range payload.Results {
		name := result.AutomatedTestName
		if name == "" {
			name = result.TestCaseTitle
		}
		testCase := analysis.TestCase{Name: name}
		if runID, err := strconv.Atoi(result.TestRun.ID); err == nil {
			testCase.RunID = runID
		}
		if result.Configuration.Name != "" {
			testCase.Configurations = append(testCase.Configurations, result.Configuration.Name)
		}
		if len(result.AssociatedBugs) > 0 {
			testCase.WorkItemURL = result.AssociatedBugs[0].URL
		}
		cases = append(cases, testCase)
	}

	// The stage/phase/job coordinate of each failure lives on its test
	// run, fetched once per distinct run.
	runRefs := make(map[int]*timeline.PipelineReference)
	for i := range cases {
		runID := cases[i].RunID
		if runID == 0 {
			continue
		}
		pipelineRef, seen := runRefs[runID]
		if !seen {
			var err error
			pipelineRef, err = c.runReference(ctx, ref, runID)
			if err != nil {
				return nil, err
			}
			runRefs[runID] = pipelineRef
		}
		cases[i].Ref = pipelineRef
	}
	return cases, nil
}

// runReference resolves the pipeline coordinate of a test run. Runs
// without one (single-stage pipelines, deleted runs) yield nil.
func (c *Client) runReference(ctx context.Context, ref analysis.BuildRef, runID int) (*timeline.PipelineReference, error) {
	path := fmt.Sprintf("/%s/%s/_apis/test/runs/%d", ref.Org, ref.Project, runID)
	var payload testRunPayload
	if err := c.getJSON(ctx, "test_run", path, nil, &payload); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	pr := payload.PipelineReference
	if pr.StageReference.StageName == "" && pr.PhaseReference.PhaseName == "" && pr.JobReference.JobName == "" {
		return nil, nil
	}
	return &timeline.PipelineReference{
		Stage: timeline.NamedAttempt{Name: pr.StageReference.StageName, Attempt: pr.StageReference.Attempt},
		Phase: timeline.NamedAttempt{Name: pr.PhaseReference.PhaseName, Attempt: pr.PhaseReference.Attempt},
		Job:   timeline.NamedAttempt{Name: pr.JobReference.JobName, Attempt: pr.JobReference.Attempt},
	}, nil
}

type testHistoryPayload struct {
	ResultsForGroup []struct {
		Results []struct {
			Outcome string `json:"outcome"`
		} `json:"results"`
	} `json:"resultsForGroup"`
}

// TestHistory returns the pass/fail counts for one test over a trailing
// window.
func (c *Client) TestHistory(ctx context.Context, ref analysis.BuildRef, testName string, days int) (analysis.TestHistory, error) {
	path := fmt.Sprintf("/%s/%s/_apis/test/results/testhistory", ref.Org, ref.Project)
	query := url.Values{}
	query.Set("automatedTestName", testName)
	query.Set("maxCompleteDate", time.Now().UTC().Format(time.RFC3339))
	query.Set("trendDays", strconv.Itoa(days))

	var payload testHistoryPayload
	if err := c.getJSON(ctx, "test_history", path, query, &payload); err != nil {
		if isNotFound(err) {
			return analysis.TestHistory{}, nil
		}
		return analysis.TestHistory{}, err
	}

	var history analysis.TestHistory
	for _, group := range payload.ResultsForGroup {
		for _, result := range group.Results {
			history.Total++
			if result.Outcome == "Failed" {
				history.Failed++
			}
		}
	}
	return history, nil
}
