package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BillingRunLockKey is the redis key guarding billing runs.
const BillingRunLockKey = "billing:run:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RunLock is a single-holder redis lock with token checked release.
type RunLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRunLock constructs a lock on key expiring after ttl.
func NewRunLock(client redis.UniversalClient, key string, ttl time.Duration) *RunLock {
	return &RunLock{client: client, key: key, ttl: ttl}
}

// Lease is a held lock.
type Lease struct {
	lock  *RunLock
	token string
}

// Acquire takes the lock. It returns ErrLockHeld when another holder owns it.
func (l *RunLock) Acquire(ctx context.Context) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("run lock not initialised")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{lock: l, token: token}, nil
}

// Release drops the lock if this lease still owns it.
func (s *Lease) Release(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, s.lock.client, []string{s.lock.key}, s.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", s.lock.key, err)
	}
	return nil
}

// Extend resets the lease TTL. It returns ErrLockLost when the key expired or
// now belongs to another holder.
func (s *Lease) Extend(ctx context.Context) error {
	if s == nil {
		return nil
	}
	n, err := extendScript.Run(ctx, s.lock.client, []string{s.lock.key}, s.token, s.lock.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend %s: %w", s.lock.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// KeepAlive extends the lease every third of its TTL until the returned stop
// function is called. Failures are passed to onErr; extension stops once the
// lock is lost.
func (s *Lease) KeepAlive(ctx context.Context, onErr func(error)) (stop func()) {
	if s == nil || s.lock.ttl <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.lock.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := s.Extend(ctx)
				if err == nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if onErr != nil {
					onErr(err)
				}
				if errors.Is(err, ErrLockLost) {
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
