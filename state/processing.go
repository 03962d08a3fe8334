package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// processingWindow bounds how long a stale IN_PROCESS marker can suppress
// reprocessing before it is treated as abandoned.
const processingWindow = 24 * time.Hour

// BeginProcessing records that triage has started for a build attempt.
// Returns the existing marker and false when the same attempt is still
// marked in process within the processing window, so concurrent duplicate
// deliveries collapse into a single invocation. A COMPLETED marker never
// blocks: true duplicates are caught by the analysis history upstream,
// and a completed-but-failed invocation must stay redeliverable.
func (s *Store) BeginProcessing(ctx context.Context, repo string, buildID, attempt int) (Processing, bool, error) {
	if repo == "" || buildID <= 0 {
		return Processing{}, false, errors.New("repo and build id required")
	}

	var marker Processing
	started := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		err := tx.QueryRowContext(ctx, `
SELECT repo, build_id, attempt, phase, started_at, updated_at
FROM triage_processing
WHERE repo = $1 AND build_id = $2 AND attempt = $3
FOR UPDATE
`, repo, buildID, attempt).Scan(
			&marker.Repo, &marker.BuildID, &marker.Attempt,
			&marker.Phase, &marker.StartedAt, &marker.UpdatedAt,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		default:
			if marker.Phase == PhaseInProcess && now.Sub(marker.UpdatedAt) < processingWindow {
				return nil
			}
			// Completed or stale marker: reclaim it.
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO triage_processing (repo, build_id, attempt, phase, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (repo, build_id, attempt)
DO UPDATE SET phase = EXCLUDED.phase, started_at = EXCLUDED.started_at, updated_at = EXCLUDED.updated_at
`, repo, buildID, attempt, PhaseInProcess, now); err != nil {
			return err
		}

		marker = Processing{Repo: repo, BuildID: buildID, Attempt: attempt, Phase: PhaseInProcess, StartedAt: now, UpdatedAt: now}
		started = true
		return nil
	})
	return marker, started, err
}

// CompleteProcessing moves the marker to COMPLETED regardless of outcome.
// Callers invoke it on every exit path of the critical section.
func (s *Store) CompleteProcessing(ctx context.Context, repo string, buildID, attempt int) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE triage_processing
SET phase = $4, updated_at = NOW()
WHERE repo = $1 AND build_id = $2 AND attempt = $3
`, repo, buildID, attempt, PhaseCompleted)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: processing %s/%d attempt %d", ErrNotFound, repo, buildID, attempt)
	}
	return nil
}
