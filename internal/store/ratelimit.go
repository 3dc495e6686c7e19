package store

import (
	"context"
	"fmt"
	"time"
)

// RateWindow is one (limit, window) pair of a sliding-window policy.
type RateWindow struct {
	Limit  int
	Window time.Duration
}

// RateDecision reports the outcome of a rate check. Counts holds the
// per-window counts observed inside the deciding transaction (first two
// windows only, per the response contract).
type RateDecision struct {
	Allowed bool
	Counts  []int
}

// CheckRate runs the sliding-window algorithm in a single transaction:
// prune tokens older than the largest window, count each window, reject if
// any window is at its limit, and (only when insertOnSuccess) append the
// new token before committing.
func (s *Store) CheckRate(ctx context.Context, scope, bucket string, now time.Time,
	windows []RateWindow, insertOnSuccess bool) (RateDecision, error) {

	if s.db == nil {
		return RateDecision{}, fmt.Errorf("db-unavailable")
	}
	if len(windows) == 0 {
		return RateDecision{Allowed: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RateDecision{}, err
	}
	defer tx.Rollback()

	var largest time.Duration
	for _, w := range windows {
		if w.Window > largest {
			largest = w.Window
		}
	}
	nowSec := now.Unix()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_limit_tokens WHERE scope = ? AND bucket = ? AND ts < ?`,
		scope, bucket, nowSec-int64(largest.Seconds())); err != nil {
		return RateDecision{}, err
	}

	decision := RateDecision{Allowed: true}
	for i, w := range windows {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limit_tokens WHERE scope = ? AND bucket = ? AND ts >= ?`,
			scope, bucket, nowSec-int64(w.Window.Seconds())).Scan(&count); err != nil {
			return RateDecision{}, err
		}
		if i < 2 {
			decision.Counts = append(decision.Counts, count)
		}
		if count >= w.Limit {
			decision.Allowed = false
		}
	}
	if !decision.Allowed {
		// Rollback via defer; the failed check must not consume a token.
		return decision, nil
	}

	if insertOnSuccess {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_limit_tokens (scope, bucket, ts) VALUES (?, ?, ?)`,
			scope, bucket, nowSec); err != nil {
			return RateDecision{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RateDecision{}, err
	}
	return decision, nil
}

// CountTokens returns the live token count for (scope, bucket) within the
// window; used by tests.
func (s *Store) CountTokens(ctx context.Context, scope, bucket string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limit_tokens WHERE scope = ? AND bucket = ? AND ts >= ?`,
		scope, bucket, since.Unix()).Scan(&n)
	return n, err
}

// PruneTokens deletes tokens older than the cutoff, returning the count.
func (s *Store) PruneTokens(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM rate_limit_tokens WHERE ts < ?`, cutoff.Unix()).Scan(&n)
		return n, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_tokens WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TryAcquireLock inserts the bucket row iff absent. Returns false when the
// bucket is already held.
func (s *Store) TryAcquireLock(ctx context.Context, bucket string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO image_locks (bucket, acquired_at) VALUES (?, ?)`,
		bucket, now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLock deletes the bucket row. Safe to call when not held.
func (s *Store) ReleaseLock(ctx context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM image_locks WHERE bucket = ?`, bucket)
	return err
}

// ImageLockRow is one held lock for the admin surface.
type ImageLockRow struct {
	Bucket     string `json:"bucket"`
	AcquiredAt int64  `json:"acquired_at"`
}

// ListLocks returns all held image locks.
func (s *Store) ListLocks(ctx context.Context) ([]ImageLockRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bucket, acquired_at FROM image_locks ORDER BY bucket`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ImageLockRow
	for rows.Next() {
		var r ImageLockRow
		if err := rows.Scan(&r.Bucket, &r.AcquiredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneLocks deletes locks acquired before the cutoff, returning the count.
// Stale locks only exist after a crash mid-rollout.
func (s *Store) PruneLocks(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM image_locks WHERE acquired_at < ?`, cutoff.Unix()).Scan(&n)
		return n, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM image_locks WHERE acquired_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
