package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld signals that another invocation currently holds the commit
// lock.
var ErrLockHeld = errors.New("state: lock held")

// DefaultLockTTL bounds how long a crashed holder can block a commit.
const DefaultLockTTL = 5 * time.Minute

// AcquireLock takes the leased lock for the given key, stealing it when a
// previous holder's lease has expired. Returns ErrLockHeld when a live
// holder exists.
func (s *Store) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (Lock, error) {
	if key == "" || holder == "" {
		return Lock{}, errors.New("lock key and holder required")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	var lock Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		expiresAt := now.Add(ttl)

		var currentHolder string
		var currentExpiry time.Time
		err := tx.QueryRowContext(ctx, `
SELECT holder, expires_at FROM triage_locks WHERE key = $1 FOR UPDATE
`, key).Scan(&currentHolder, &currentExpiry)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
INSERT INTO triage_locks (key, holder, acquired_at, expires_at)
VALUES ($1, $2, $3, $4)
`, key, holder, now, expiresAt); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if currentHolder != holder && currentExpiry.After(now) {
				return fmt.Errorf("%w: %s by %s until %s", ErrLockHeld, key, currentHolder, currentExpiry.Format(time.RFC3339))
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE triage_locks
SET holder = $2, acquired_at = $3, expires_at = $4
WHERE key = $1
`, key, holder, now, expiresAt); err != nil {
				return err
			}
		}

		lock = Lock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: expiresAt}
		return nil
	})
	return lock, err
}

// ReleaseLock drops the lock if the caller still holds it. Releasing a
// lock stolen after lease expiry is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM triage_locks WHERE key = $1 AND holder = $2
`, key, holder)
	return err
}
