package timeline

import "time"

// RecordType identifies the kind of node a timeline record represents.
type RecordType string

const (
	RecordTypeStage RecordType = "Stage"
	RecordTypePhase RecordType = "Phase"
	RecordTypeJob   RecordType = "Job"
	RecordTypeTask  RecordType = "Task"
	RecordTypeOther RecordType = "Other"
)

// Result is the outcome reported for a single timeline record.
type Result string

const (
	ResultNone                Result = "None"
	ResultSucceeded           Result = "Succeeded"
	ResultSucceededWithIssues Result = "SucceededWithIssues"
	ResultFailed              Result = "Failed"
	ResultCanceled            Result = "Canceled"
	ResultSkipped             Result = "Skipped"
	ResultAbandoned           Result = "Abandoned"
)

// IssueKind distinguishes error and warning issues on a record.
type IssueKind string

const (
	IssueKindError   IssueKind = "Error"
	IssueKindWarning IssueKind = "Warning"
)

// Issue is a single error or warning attached to a timeline record.
type Issue struct {
	Message string            `json:"message"`
	Kind    IssueKind         `json:"kind"`
	Data    map[string]string `json:"data,omitempty"`
}

// PreviousAttempt links a record to its counterpart in an earlier attempt.
type PreviousAttempt struct {
	AttemptNumber int    `json:"attempt_number"`
	TimelineID    string `json:"timeline_id"`
}

// Record is one node of a build's execution timeline. A record with an
// empty ParentID is a top-level node.
type Record struct {
	ID               string            `json:"id"`
	ParentID         string            `json:"parent_id,omitempty"`
	Type             RecordType        `json:"type"`
	Result           Result            `json:"result"`
	Name             string            `json:"name"`
	Order            int               `json:"order"`
	Attempt          int               `json:"attempt"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	LogURL           string            `json:"log_url,omitempty"`
	Issues           []Issue           `json:"issues,omitempty"`
	PreviousAttempts []PreviousAttempt `json:"previous_attempts,omitempty"`
}

// IsFailure reports whether the record ended in a state worth analyzing.
func (r Record) IsFailure() bool {
	switch r.Result {
	case ResultFailed, ResultCanceled, ResultAbandoned:
		return true
	default:
		return false
	}
}

// MergeAttempts unions record lists from several attempts, keeping the
// first record seen for each id. Relative order is preserved.
func MergeAttempts(lists ...[]Record) []Record {
	seen := make(map[string]struct{})
	var merged []Record
	for _, list := range lists {
		for _, record := range list {
			if _, ok := seen[record.ID]; ok {
				continue
			}
			seen[record.ID] = struct{}{}
			merged = append(merged, record)
		}
	}
	return merged
}
