package coord

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends a lease only while holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes a lease only while holder still owns it, so an
// expired holder can never drop someone else's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireLease takes key for holder if it is free, or renews it if holder
// already owns it. Returns false when another holder owns the key.
func AcquireLease(ctx context.Context, rc *redis.Client,
	key, holder string, ttl time.Duration) (bool, error) {
	ok, err := rc.SetNX(ctx, key, holder, ttl).Result()
	if err != nil || ok {
		return ok, err
	}
	n, err := renewScript.Run(ctx, rc, []string{key}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease gives key up if holder owns it.
func ReleaseLease(ctx context.Context, rc *redis.Client, key, holder string) error {
	return releaseScript.Run(ctx, rc, []string{key}, holder).Err()
}
