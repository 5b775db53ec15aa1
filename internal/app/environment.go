package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"ipranges/internal/app/version"
	"ipranges/internal/config"
	"ipranges/internal/distribution"
	"ipranges/internal/fetch"
	"ipranges/internal/metrics"
	"ipranges/internal/snapshot"
	"ipranges/internal/support"
)

// environment carries the per-invocation state shared by the subcommands.
type environment struct {
	cfg     config.Config
	stdout  io.Writer
	metrics *metrics.Recorder

	// sourceByURL resolves attempt hooks back to a source name.
	sourceByURL map[string]string
}

func (e *environment) init(cfg config.Config) {
	e.cfg = cfg
	e.metrics = metrics.New()
	e.sourceByURL = make(map[string]string, len(cfg.Sources))
	for _, src := range cfg.Sources {
		e.sourceByURL[src.URL] = src.Name
	}
}

func (e *environment) newClient(timeout time.Duration) *fetch.Client {
	policy := fetch.DefaultPolicy()
	policy.Attempts = max(e.cfg.Fetch.Retries, 1)
	policy.Delay = fetch.LinearBackoff(e.cfg.Fetch.Backoff.Std())

	userAgent := e.cfg.Fetch.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	return fetch.NewClient(timeout,
		fetch.WithPolicy(policy),
		fetch.WithUserAgent(userAgent),
		fetch.WithAttemptHook(func(url string, _ int) {
			e.metrics.ObserveFetchAttempt(e.sourceName(url))
		}),
	)
}

func (e *environment) sourceName(url string) string {
	if name, ok := e.sourceByURL[url]; ok {
		return name
	}
	return url
}

// publish replicates a check result to Redis when configured. Failures only
// warn; the local snapshot stays authoritative.
func (e *environment) publish(ctx context.Context, res snapshot.Result) {
	if e.cfg.Redis.URL == "" {
		return
	}

	client, err := support.NewRedisClient(ctx, e.cfg.Redis.URL)
	if err != nil {
		log.Warn("Skipping redis publish", "error", err)
		return
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Debug("error closing redis client", "error", err)
		}
	}()

	publisher := distribution.NewPublisher(client, e.cfg.Redis.Key, e.cfg.Redis.Channel)
	if err := publisher.Publish(ctx, distribution.NewPayload(res)); err != nil {
		log.Warn("Redis publish failed", "error", err)
		return
	}
	log.Info("Published snapshot to redis", "key", e.cfg.Redis.Key, "channel", e.cfg.Redis.Channel)
}

// withSyncLock runs fn while holding the Redis sync lock. Without Redis, or
// when Redis is unreachable, fn runs unlocked.
func (e *environment) withSyncLock(ctx context.Context, fn func(context.Context) error) error {
	if e.cfg.Redis.URL == "" {
		return fn(ctx)
	}

	client, err := support.NewRedisClient(ctx, e.cfg.Redis.URL)
	if err != nil {
		log.Warn("Running sync without lock", "error", err)
		return fn(ctx)
	}
	defer client.Close()

	key := e.cfg.Redis.Key + ":lock"
	lock, err := support.AcquireLock(ctx, client, key, support.DefaultLockTTL)
	if err != nil {
		if errors.Is(err, support.ErrLockHeld) {
			return lockHeldError(ctx, distribution.NewPublisher(client, e.cfg.Redis.Key, e.cfg.Redis.Channel), key)
		}
		log.Warn("Running sync without lock", "error", err)
		return fn(ctx)
	}
	defer lock.Release()

	return fn(lock.Context())
}

// lockHeldError reports a held sync lock together with the last result the
// running sync published, when there is one.
func lockHeldError(ctx context.Context, pub *distribution.Publisher, key string) error {
	last, ok, err := pub.Latest(ctx)
	switch {
	case err != nil:
		log.Debug("Reading last published snapshot failed", "error", err)
	case ok:
		log.Info("Last published check", "checked_at", last.CheckedAt, "changed", last.Changed, "failed", len(last.Failed))
		return fmt.Errorf("another sync is running (lock %s; last published check %s, changed=%t)", key, last.CheckedAt, last.Changed)
	}
	return fmt.Errorf("another sync is running (lock %s)", key)
}

// finish writes the metrics textfile when one is configured.
func (e *environment) finish(command string) {
	if e.metrics == nil || e.cfg.MetricsFile == "" {
		return
	}
	e.metrics.ObserveRun(command, float64(time.Now().Unix()))
	if err := e.metrics.WriteTextfile(e.cfg.MetricsFile); err != nil {
		log.Warn("Writing metrics failed", "path", e.cfg.MetricsFile, "error", err)
		return
	}
	log.Debug("Metrics written", "path", e.cfg.MetricsFile)
}
