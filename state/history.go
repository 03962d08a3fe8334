package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordAnalysis appends a completed triage invocation to the history.
func (s *Store) RecordAnalysis(ctx context.Context, entry HistoryEntry) (HistoryEntry, error) {
	if entry.Repo == "" || entry.BuildID <= 0 {
		return HistoryEntry{}, errors.New("repo and build id required")
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO triage_history (repo, commit_sha, build_id, attempt, status, snapshot_path)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at
`, entry.Repo, entry.Commit, entry.BuildID, entry.Attempt, entry.Status, entry.SnapshotPath).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return HistoryEntry{}, err
	}
	return entry, nil
}

// LatestAnalysis returns the most recent history entry for a build
// attempt, if any.
func (s *Store) LatestAnalysis(ctx context.Context, repo string, buildID, attempt int) (HistoryEntry, error) {
	var entry HistoryEntry
	err := s.db.QueryRowContext(ctx, `
SELECT id, repo, commit_sha, build_id, attempt, status, snapshot_path, created_at
FROM triage_history
WHERE repo = $1 AND build_id = $2 AND attempt = $3
ORDER BY created_at DESC
LIMIT 1
`, repo, buildID, attempt).Scan(
		&entry.ID, &entry.Repo, &entry.Commit, &entry.BuildID,
		&entry.Attempt, &entry.Status, &entry.SnapshotPath, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HistoryEntry{}, fmt.Errorf("%w: history %s/%d attempt %d", ErrNotFound, repo, buildID, attempt)
		}
		return HistoryEntry{}, err
	}
	return entry, nil
}

// CommitHistory lists all recorded invocations for a commit, newest
// first.
func (s *Store) CommitHistory(ctx context.Context, repo, commit string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, repo, commit_sha, build_id, attempt, status, snapshot_path, created_at
FROM triage_history
WHERE repo = $1 AND commit_sha = $2
ORDER BY created_at DESC
`, repo, commit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(
			&entry.ID, &entry.Repo, &entry.Commit, &entry.BuildID,
			&entry.Attempt, &entry.Status, &entry.SnapshotPath, &entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
