package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/crashhedge/crashbot/internal/domain"
)

// renewLua extends a lock's TTL only while the caller still holds it.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// releaseLua deletes a lock key only if the token matches, so one instance
// can never free another instance's lock.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RoundLocker implements domain.RoundLocker with SETNX plus a per-holder
// token and Lua-guarded renew/release.
type RoundLocker struct {
	rdb       *redis.Client
	renewSc   *redis.Script
	releaseSc *redis.Script
}

// NewRoundLocker creates a RoundLocker over the given client.
func NewRoundLocker(c *Client) *RoundLocker {
	return &RoundLocker{
		rdb:       c.Underlying(),
		renewSc:   redis.NewScript(renewLua),
		releaseSc: redis.NewScript(releaseLua),
	}
}

func roundLockKey(marketSlug string, roundStart time.Time) string {
	return fmt.Sprintf("round_lock:%s:%d", marketSlug, roundStart.UTC().Unix())
}

// Acquire implements domain.RoundLocker. It returns domain.ErrLockHeld when
// another instance owns the round.
func (l *RoundLocker) Acquire(ctx context.Context, marketSlug string, roundStart time.Time, ttl time.Duration) (domain.RoundLease, error) {
	key := roundLockKey(marketSlug, roundStart)
	token := uuid.New().String()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire round lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	return &roundLease{locker: l, key: key, token: token}, nil
}

// roundLease is a held round lock. Release is idempotent.
type roundLease struct {
	locker   *RoundLocker
	key      string
	token    string
	released bool
}

// Renew implements domain.RoundLease.
func (le *roundLease) Renew(ctx context.Context, ttl time.Duration) error {
	if le.released {
		return domain.ErrLockHeld
	}
	n, err := le.locker.renewSc.Run(ctx, le.locker.rdb,
		[]string{le.key}, le.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: renew round lock %s: %w", le.key, err)
	}
	if n == 0 {
		// The lock expired or was taken over.
		le.released = true
		return domain.ErrLockHeld
	}
	return nil
}

// Release implements domain.RoundLease. It uses its own timeout so shutdown
// paths release even with a cancelled caller context.
func (le *roundLease) Release(ctx context.Context) error {
	if le.released {
		return nil
	}
	le.released = true

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := le.locker.releaseSc.Run(relCtx, le.locker.rdb,
		[]string{le.key}, le.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis: release round lock %s: %w", le.key, err)
	}
	return nil
}

var _ domain.RoundLocker = (*RoundLocker)(nil)
