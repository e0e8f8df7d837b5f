package service

import (
	"context"
	stderrors "errors"
	"time"

	"kawan-hiking/backend/pkg/logger"
	"kawan-hiking/backend/pkg/resilience"
	"kawan-hiking/backend/shared/redis"
)

const retentionLockKey = "kawan-hiking:chat:retention"

// Locker hands out a cluster-wide lock. shared/redis.RedisClient implements it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// RetentionJob periodically purges messages past the retention period
type RetentionJob struct {
	chat     *ChatService
	breaker  *resilience.CircuitBreaker
	locker   Locker
	interval time.Duration
	lockTTL  time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewRetentionJob creates the job. locker may be nil when a single instance runs.
func NewRetentionJob(chat *ChatService, breaker *resilience.CircuitBreaker, locker Locker, interval, lockTTL time.Duration, log *logger.Logger) *RetentionJob {
	if log == nil {
		log = logger.GetGlobal()
	}
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultConfig("chat-retention"), log)
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &RetentionJob{
		chat:     chat,
		breaker:  breaker,
		locker:   locker,
		interval: interval,
		lockTTL:  lockTTL,
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done
func (j *RetentionJob) Run(ctx context.Context) error {
	j.log.Info("chat retention job started", "interval", j.interval.String(), "retention", j.chat.Retention().String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.LogError(err, "chat retention sweep failed")
		}

		select {
		case <-ctx.Done():
			j.log.Info("chat retention job stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep and returns the number of purged messages.
// A sweep skipped because another instance holds the lock or the breaker is
// open returns 0 and no error.
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	if j.locker != nil {
		release, err := j.locker.TryLock(ctx, retentionLockKey, j.lockTTL)
		switch {
		case stderrors.Is(err, redis.ErrLockHeld):
			j.log.Debug("chat retention sweep skipped, lock held elsewhere")
			return 0, nil
		case err != nil:
			// deleting expired rows twice is harmless, so carry on without the lock
			j.log.LogError(err, "chat retention lock unavailable, sweeping unlocked")
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					j.log.LogError(err, "failed to release chat retention lock")
				}
			}()
		}
	}

	var purged int64
	err := j.breaker.Execute(ctx, func(ctx context.Context) error {
		n, err := j.chat.PurgeExpired(ctx, j.now())
		purged = n
		return err
	})
	if stderrors.Is(err, resilience.ErrCircuitOpen) {
		j.log.Warn("chat retention sweep skipped, circuit open")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return purged, nil
}
