package coord

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AlertLocker hands out short per-alert leases so two workers rarely
// process the same alert at once. Processing stays correct without it.
type AlertLocker struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewAlertLocker(rc *redis.Client, ttl time.Duration) *AlertLocker {
	return &AlertLocker{rc: rc, ttl: ttl}
}

// Lock returns acquired=false when another run holds the alert. unlock is
// always safe to call.
func (l *AlertLocker) Lock(ctx context.Context, alertID string) (func(), bool, error) {
	key := AlertLockKey(alertID)
	holder := uuid.NewString()

	ok, err := l.rc.SetNX(ctx, key, holder, l.ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ReleaseLease(ctx, l.rc, key, holder)
	}, true, nil
}
