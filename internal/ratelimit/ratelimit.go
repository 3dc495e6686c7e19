// Package ratelimit layers the built-in sliding-window policies and the
// image-level serialization lock on top of the store's token tables.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/IvanLi-CN/pod-upgrade-trigger/internal/store"
)

const (
	// ScopeManual covers operator-triggered rollouts.
	ScopeManual = "manual"
	// BucketManual is the single bucket of the manual scope.
	BucketManual = "manual-auto-update"
	// ScopeGithubImage covers webhook rollouts, bucketed per image key.
	ScopeGithubImage = "github-image"
)

const (
	lockRetryInterval = 50 * time.Millisecond
	lockMaxWait       = 2 * time.Second
)

// ErrLockTimeout is returned when an image lock could not be acquired
// within the bounded wait.
var ErrLockTimeout = errors.New("lock-timeout")

// ErrRateLimited is returned when a sliding window is at its limit.
var ErrRateLimited = errors.New("rate-limit")

// Limiter holds the configured windows over the shared store.
type Limiter struct {
	store  *store.Store
	manual []store.RateWindow
	github []store.RateWindow
}

// Config carries the window overrides from the environment.
type Config struct {
	Manual1Count  int
	Manual1Window time.Duration
	Manual2Count  int
	Manual2Window time.Duration
}

// New builds a limiter with the built-in policies:
// manual (2, 600s) AND (10, 18000s); github-image (60, 3600s).
// The manual windows honour the LIMIT1/LIMIT2 env overrides.
func New(st *store.Store, cfg Config) *Limiter {
	manual := []store.RateWindow{
		{Limit: 2, Window: 600 * time.Second},
		{Limit: 10, Window: 18000 * time.Second},
	}
	if cfg.Manual1Count > 0 {
		manual[0] = store.RateWindow{Limit: cfg.Manual1Count, Window: cfg.Manual1Window}
	}
	if cfg.Manual2Count > 0 {
		manual[1] = store.RateWindow{Limit: cfg.Manual2Count, Window: cfg.Manual2Window}
	}
	return &Limiter{
		store:  st,
		manual: manual,
		github: []store.RateWindow{{Limit: 60, Window: 3600 * time.Second}},
	}
}

// CheckManual runs the two manual windows and consumes a token on success.
func (l *Limiter) CheckManual(ctx context.Context, now time.Time) (store.RateDecision, error) {
	return l.store.CheckRate(ctx, ScopeManual, BucketManual, now, l.manual, true)
}

// CheckGithubImage runs the per-image window. insertOnSuccess is false for
// the pre-dispatch check and true when the runner commits to the pull.
func (l *Limiter) CheckGithubImage(ctx context.Context, imageKey string, now time.Time, insertOnSuccess bool) (store.RateDecision, error) {
	return l.store.CheckRate(ctx, ScopeGithubImage, imageKey, now, l.github, insertOnSuccess)
}

// AcquireImageLock takes the per-bucket rollout lock, retrying every 50 ms
// for up to 2 s. The returned release must run on all exit paths of the
// holder.
func (l *Limiter) AcquireImageLock(ctx context.Context, bucket string) (func(), error) {
	policy := backoff.WithContext(newLockBackoff(), ctx)

	err := backoff.Retry(func() error {
		ok, err := l.store.TryAcquireLock(ctx, bucket, time.Now())
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ErrLockTimeout
		}
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = l.store.ReleaseLock(context.Background(), bucket)
	}, nil
}

func newLockBackoff() backoff.BackOff {
	b := backoff.NewConstantBackOff(lockRetryInterval)
	return backoff.WithMaxRetries(b, uint64(lockMaxWait/lockRetryInterval))
}
