package state

import "time"

// Lock is a leased mutual-exclusion record scoped to one commit.
type Lock struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// ProcessingPhase tracks how far triage has gotten for one build.
type ProcessingPhase string

const (
	PhaseInProcess ProcessingPhase = "IN_PROCESS"
	PhaseCompleted ProcessingPhase = "COMPLETED"
)

// Processing is the per-build progress marker used for idempotent
// notification handling.
type Processing struct {
	Repo      string
	BuildID   int
	Attempt   int
	Phase     ProcessingPhase
	StartedAt time.Time
	UpdatedAt time.Time
}

// HistoryEntry is one completed triage invocation, kept for auditing and
// snapshot lookup.
type HistoryEntry struct {
	ID           int64
	Repo         string
	Commit       string
	BuildID      int
	Attempt      int
	Status       string
	SnapshotPath string
	CreatedAt    time.Time
}
