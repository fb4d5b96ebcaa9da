package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockHeld is returned when another process owns the lock.
var ErrLockHeld = errors.New("lock held by another process")

// Compare-and-delete so a holder whose TTL expired cannot drop a newer
// holder's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the TTL only while the caller still owns the key.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// PassLock keeps two schedulers from running a dispatch pass at the same
// time. Correctness never depends on it (claims are atomic in the store);
// it only avoids wasted selects and pacing waits.
//
// The TTL must stay below the schedule interval: a holder that dies keeps
// the key until it expires, and every tick skipped in the meantime is a
// window no pass will ever select again. A live holder refreshes the key
// every ttl/3 so long passes keep it.
type PassLock struct {
	client *Client
	logger *zap.Logger
	key    string
	ttl    time.Duration
}

// NewPassLock returns a lock on key quiethours:lock:<name>. A non-positive
// ttl defaults to 30s.
func NewPassLock(client *Client, name string, ttl time.Duration, logger *zap.Logger) *PassLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &PassLock{
		client: client,
		logger: logger,
		key:    "quiethours:lock:" + name,
		ttl:    ttl,
	}
}

// Do runs fn while holding the lock. It returns ErrLockHeld without running
// fn if the lock is taken.
func (l *PassLock) Do(ctx context.Context, fn func(context.Context) error) error {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}

	defer func() {
		// Release even if ctx was cancelled by fn's caller.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(relCtx, l.client.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release pass lock", zap.String("key", l.key), zap.Error(err))
		}
	}()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go l.refresh(ctx, token, done, stopped)
	defer func() {
		close(done)
		<-stopped
	}()

	return fn(ctx)
}

func (l *PassLock) refresh(ctx context.Context, token string, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client.rdb, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				l.logger.Warn("failed to refresh pass lock", zap.String("key", l.key), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Warn("pass lock lost while running", zap.String("key", l.key))
				return
			}
		}
	}
}
