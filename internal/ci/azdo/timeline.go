package azdo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/izavyalov-dev/triage-ci/analysis"
	"github.com/izavyalov-dev/triage-ci/timeline"
)

type timelinePayload struct {
	Records []timelineRecordPayload `json:"records"`
}

type timelineRecordPayload struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parentId"`
	Type      string     `json:"type"`
	Name      string     `json:"name"`
	Order     int        `json:"order"`
	Attempt   int        `json:"attempt"`
	Result    string     `json:"result"`
	StartTime *time.Time `json:"startTime"`
	Log       *struct {
		URL string `json:"url"`
	} `json:"log"`
	Issues []struct {
		Type    string            `json:"type"`
		Message string            `json:"message"`
		Data    map[string]string `json:"data"`
	} `json:"issues"`
	PreviousAttempts []struct {
		Attempt    int    `json:"attempt"`
		TimelineID string `json:"timelineId"`
	} `json:"previousAttempts"`
}

func (c *Client) Timeline(ctx context.Context, ref analysis.BuildRef, attempt int) ([]timeline.Record, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds/%d/timeline", ref.Org, ref.Project, ref.ID)
	query := url.Values{}
	if attempt > 0 {
		query.Set("attempt", strconv.Itoa(attempt))
	}
	var payload timelinePayload
	if err := c.getJSON(ctx, "timeline", path, query, &payload); err != nil {
		if isNotFound(err) {
			// A build without a timeline yields an empty record set, not
			// an error.
			return nil, nil
		}
		return nil, err
	}
	return convertTimeline(payload), nil
}

func (c *Client) TimelineByID(ctx context.Context, ref analysis.BuildRef, timelineID string) ([]timeline.Record, error) {
	path := fmt.Sprintf("/%s/%s/_apis/build/builds/%d/timeline/%s", ref.Org, ref.Project, ref.ID, timelineID)
	var payload timelinePayload
	if err := c.getJSON(ctx, "timeline_by_id", path, nil, &payload); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return convertTimeline(payload), nil
}

func convertTimeline(payload timelinePayload) []timeline.Record {
	records := make([]timeline.Record, 0, len(payload.Records))
	for _, raw := range payload.Records {
		record := timeline.Record{
			ID:        raw.ID,
			ParentID:  raw.ParentID,
			Type:      convertRecordType(raw.Type),
			Result:    convertRecordResult(raw.Result),
			Name:      raw.Name,
			Order:     raw.Order,
			Attempt:   raw.Attempt,
			StartTime: raw.StartTime,
		}
		if raw.Log != nil {
			record.LogURL = raw.Log.URL
		}
		for _, issue := range raw.Issues {
			kind := timeline.IssueKindWarning
			if issue.Type == "error" {
				kind = timeline.IssueKindError
			}
			record.Issues = append(record.Issues, timeline.Issue{
				Message: issue.Message,
				Kind:    kind,
				Data:    issue.Data,
			})
		}
		for _, previous := range raw.PreviousAttempts {
			record.PreviousAttempts = append(record.PreviousAttempts, timeline.PreviousAttempt{
				AttemptNumber: previous.Attempt,
				TimelineID:    previous.TimelineID,
			})
		}
		records = append(records, record)
	}
	return records
}

func convertRecordType(value string) timeline.RecordType {
	switch value {
	case "Stage":
		return timeline.RecordTypeStage
	case "Phase":
		return timeline.RecordTypePhase
	case "Job":
		return timeline.RecordTypeJob
	case "Task":
		return timeline.RecordTypeTask
	default:
		return timeline.RecordTypeOther
	}
}

func convertRecordResult(value string) timeline.Result {
	switch value {
	case "succeeded":
		return timeline.ResultSucceeded
	case "succeededWithIssues":
		return timeline.ResultSucceededWithIssues
	case "failed":
		return timeline.ResultFailed
	case "canceled":
		return timeline.ResultCanceled
	case "skipped":
		return timeline.ResultSkipped
	case "abandoned":
		return timeline.ResultAbandoned
	default:
		return timeline.ResultNone
	}
}

// Log streams the raw log behind a timeline record's log reference.
func (c *Client) Log(ctx context.Context, ref analysis.BuildRef, logURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "log", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, &TransientError{Op: "log", StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("azdo log: status=%d", resp.StatusCode)
	}
	return resp.Body, nil
}
