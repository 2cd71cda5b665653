package cache

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const REDIS_KEY_SCHEDULER = "crash:scheduler"

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a renewable Redis lock naming the one instance that drives round
// transitions. Acquire is called every tick and extends a held lease.
type Lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	held   atomic.Bool
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		extended, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		ok = extended == 1
	}

	if was := l.held.Swap(ok); was != ok {
		if ok {
			log.Printf("[CACHE] Scheduler lease %s acquired", l.token[:8])
		} else {
			log.Printf("[CACHE] Scheduler lease %s lost", l.token[:8])
		}
	}
	return ok, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if !l.held.Swap(false) {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
