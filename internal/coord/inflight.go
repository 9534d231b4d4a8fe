package coord

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ClaimInflight adds execID to the running set for jobType. Members are
// execution ids, so a double release or a crashed worker cannot skew the
// count below zero.
func ClaimInflight(ctx context.Context, rc *redis.Client, jobType, execID string) error {
	return rc.SAdd(ctx, InflightSetKey(jobType), execID).Err()
}

// ReleaseInflight is safe to call from both the worker and the reaper.
func ReleaseInflight(ctx context.Context, rc *redis.Client, jobType, execID string) error {
	return rc.SRem(ctx, InflightSetKey(jobType), execID).Err()
}

func InflightCount(ctx context.Context, rc *redis.Client, jobType string) (int64, error) {
	return rc.SCard(ctx, InflightSetKey(jobType)).Result()
}
