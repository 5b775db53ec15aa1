package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL      = 2 * time.Minute
	lockReleaseTimeout  = 5 * time.Second
	minRenewalInterval  = time.Second
	lockRenewalFraction = 3
)

// ErrLockHeld is returned by AcquireLock when another holder owns the key.
var ErrLockHeld = errors.New("support: lock is held by another process")

var (
	lockCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// Lock is a Redis key owned by this process. It is renewed in the background
// until Release is called or renewal fails, in which case Context is cancelled.
type Lock struct {
	client    *redis.Client
	key       string
	value     string
	ttl       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

// AcquireLock makes a single SETNX attempt on key. It does not wait for the
// current holder.
func AcquireLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	if client == nil {
		return nil, errors.New("support: lock redis client is nil")
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	value := lockOwnerID()
	ok, err := client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("support: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	lockCtx, cancel := context.WithCancel(ctx)
	l := &Lock{
		client:    client,
		key:       key,
		value:     value,
		ttl:       ttl,
		ctx:       lockCtx,
		cancel:    cancel,
		stopRenew: make(chan struct{}),
	}
	go l.renewLoop()

	log.Debug("lock: acquired", "key", key)
	return l, nil
}

// Context is cancelled when the lock is lost or released.
func (l *Lock) Context() context.Context {
	return l.ctx
}

func (l *Lock) Release() {
	l.closeOnce.Do(func() {
		close(l.stopRenew)
		l.cancel()
		if err := l.releaseKey(); err != nil {
			log.Warn("lock: release failed", "key", l.key, "error", err)
			return
		}
		log.Debug("lock: released", "key", l.key)
	})
}

func (l *Lock) renewLoop() {
	interval := l.ttl / lockRenewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopRenew:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.renew(); err != nil {
				log.Warn("lock: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *Lock) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func (l *Lock) releaseKey() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockReleaseTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func lockOwnerID() string {
	host, _ := os.Hostname()
	counter := lockCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}
