package workflow

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/thurmanlabs/settlement_backend/config"
)

// WithProcessingLock wraps fn in a best-effort redis lock so concurrent
// settlement/distribution cranks for the same package don't all queue on the
// MySQL advisory lock. The advisory lock inside the workflow remains the
// serialization authority: if redis is unavailable or the lock cannot be
// obtained, fn runs anyway.
func WithProcessingLock(ctx context.Context, logger *logrus.Logger, key string, fn func() error) error {
	locker := config.GetRedisLock()
	if locker == nil {
		return fn()
	}

	lock, err := locker.Obtain(ctx, key, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		logger.WithFields(logrus.Fields{
			"field": "WithProcessingLock",
			"key":   key,
		}).Warn("could not obtain redis lock; proceeding without redis lock")
	} else if err != nil {
		logger.WithFields(logrus.Fields{
			"field": "WithProcessingLock",
			"key":   key,
		}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
	} else {
		defer func() {
			if releaseErr := lock.Release(ctx); releaseErr != nil && releaseErr != redislock.ErrLockNotHeld {
				logger.WithFields(logrus.Fields{
					"field": "WithProcessingLock",
					"key":   key,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()
	}

	return fn()
}
