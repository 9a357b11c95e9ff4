package dedup

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis shares the dedup window across replicas of one consumer group.
// Entries expire by TTL; Redis owns the bound. A Seen/Record race between
// replicas can double-invalidate, which is harmless.
type Redis struct {
	rdb   goredis.UniversalClient
	group string
	ttl   time.Duration
}

// NewRedis scopes dedup keys by consumer group so two services consuming the
// same topic keep independent windows. ttl 0 => DefaultMaxAge.
func NewRedis(client goredis.UniversalClient, group string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	return &Redis{rdb: client, group: group, ttl: ttl}
}

var _ Store = (*Redis)(nil)

func (r *Redis) key(eventID string) string { return "dedup:" + r.group + ":" + eventID }

func (r *Redis) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Record(ctx context.Context, eventID string, version uint64) error {
	return r.rdb.Set(ctx, r.key(eventID), strconv.FormatUint(version, 10), r.ttl).Err()
}

// Close is a no-op; the caller owns the client.
func (r *Redis) Close(context.Context) error { return nil }
