package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderKey is the Redis key holding the dispatcher lease.
const LeaderKey = "patientsync:outbox:leader"

// Leader decides whether this instance may drain the outbox right now.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLease is a single-holder lease: SET NX PX to take it, a compare-and-
// PEXPIRE script to keep it.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: LeaderKey, owner: owner, ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire outbox lease: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew outbox lease: %w", err)
	}
	return renewed == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release outbox lease: %w", err)
	}
	return nil
}
