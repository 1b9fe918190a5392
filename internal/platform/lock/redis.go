// Package lock provides a Redis lease that keeps scheduled sweeps to a single
// runner across worker replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

const defaultTTL = 5 * time.Minute

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out named leases.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

// New constructs a Locker. Keys are stored as prefix + name.
func New(client redis.UniversalClient, prefix string) (*Locker, error) {
	if client == nil {
		return nil, errors.New("lock: redis client required")
	}
	return &Locker{client: client, prefix: prefix}, nil
}

// Lease is an acquired lock.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire tries to take the named lock for ttl. It returns ok=false when
// another owner holds it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	if name == "" {
		return nil, false, errors.New("lock: name required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{client: l.client, key: key, token: token}, true, nil
}

// Release frees the lease if it has not expired and been taken by someone else.
func (le *Lease) Release(ctx context.Context) error {
	if le == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: release %s: %w", le.key, err)
	}
	return nil
}

// Run executes fn while holding the named lock. ran is false when the lock was
// busy and fn was skipped.
func (l *Locker) Run(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (ran bool, err error) {
	lease, ok, err := l.Acquire(ctx, name, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		err = multierr.Append(err, lease.Release(context.WithoutCancel(ctx)))
	}()
	return true, fn(ctx)
}
