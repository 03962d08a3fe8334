package orchestrator

// Notification is a build-completion event delivered by the CI provider.
type Notification struct {
	Org     string `json:"org"`
	Project string `json:"project"`
	BuildID int    `json:"build_id"`
}

// Outcome is the terminal state of one notification's handling.
type Outcome string

const (
	OutcomeDone    Outcome = "Done"
	OutcomeSkipped Outcome = "Skipped"
	OutcomeFailed  Outcome = "Failed"
)

// Result reports how a notification was handled and why.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Skip reasons recorded in history and metrics.
const (
	SkipReasonAlreadyAnalyzed = "already_analyzed"
	SkipReasonInProcess       = "in_process"
	SkipReasonNotSupported    = "not_supported"
	SkipReasonFiltered        = "filtered"
	SkipReasonLockHeld        = "lock_held"
)
