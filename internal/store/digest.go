package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/enum"
)

// DigestEntry is one registry digest cache row. A failed refresh keeps the
// previous digest and flips status to error.
type DigestEntry struct {
	Image     string            `json:"image"`
	Digest    string            `json:"digest,omitempty"`
	CheckedAt int64             `json:"checked_at"`
	Status    enum.DigestStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
}

// Fresh reports whether the entry can be served from cache.
func (e DigestEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return e.Status == enum.DigestStatusOK &&
		now.Unix()-e.CheckedAt <= int64(ttl.Seconds())
}

// GetDigest reads a cache row; (entry, false, nil) when absent.
func (s *Store) GetDigest(ctx context.Context, image string) (DigestEntry, bool, error) {
	var e DigestEntry
	var digest, errStr *string
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT image, digest, checked_at, status, error FROM registry_digest_cache WHERE image = ?`,
		image).Scan(&e.Image, &digest, &e.CheckedAt, &status, &errStr)
	if errors.Is(err, sql.ErrNoRows) {
		return DigestEntry{}, false, nil
	}
	if err != nil {
		return DigestEntry{}, false, err
	}
	e.Status = enum.DigestStatus(status)
	if digest != nil {
		e.Digest = *digest
	}
	if errStr != nil {
		e.Error = *errStr
	}
	return e, true, nil
}

// UpsertDigest writes a cache row, replacing any previous state for the
// image key.
func (s *Store) UpsertDigest(ctx context.Context, e DigestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO registry_digest_cache (image, digest, checked_at, status, error)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(image) DO UPDATE SET
    digest = excluded.digest, checked_at = excluded.checked_at,
    status = excluded.status, error = excluded.error`,
		e.Image, nullable(e.Digest), e.CheckedAt, string(e.Status), nullable(e.Error))
	return err
}
