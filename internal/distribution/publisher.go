// Package distribution shares check results with other hosts through Redis:
// the latest snapshot is stored under a key and every run is announced on a
// pub/sub channel.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ipranges/internal/snapshot"
)

const (
	DefaultKey     = "ipranges:snapshot"
	DefaultChannel = "ipranges:updates"

	redisOpTimeout = 10 * time.Second
)

// Payload is both the stored value and the published message.
type Payload struct {
	Changed   bool              `json:"changed"`
	Sources   snapshot.Snapshot `json:"sources"`
	Failed    []string          `json:"failed,omitempty"`
	CheckedAt string            `json:"checked_at"`
}

// redisClient is the subset of *redis.Client the publisher needs.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Publisher struct {
	client  redisClient
	key     string
	channel string
}

func NewPublisher(client redisClient, key, channel string) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, key: key, channel: channel}
}

// NewPayload converts a check result into its wire form.
func NewPayload(res snapshot.Result) Payload {
	sources := res.Current
	if sources == nil {
		sources = snapshot.Snapshot{}
	}
	return Payload{
		Changed:   res.Changed,
		Sources:   sources,
		Failed:    res.Failed,
		CheckedAt: res.CheckedAt.UTC().Format(time.RFC3339),
	}
}

// Publish stores the payload and notifies subscribers.
func (p *Publisher) Publish(ctx context.Context, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipranges redis sync: serialize payload: %w", err)
	}

	if err := p.store(ctx, data); err != nil {
		return fmt.Errorf("ipranges redis sync: store %s: %w", p.key, err)
	}
	if err := p.notify(ctx, data); err != nil {
		return fmt.Errorf("ipranges redis sync: publish %s: %w", p.channel, err)
	}
	return nil
}

// Latest returns the last stored payload. ok is false when nothing has been
// published yet.
func (p *Publisher) Latest(ctx context.Context) (Payload, bool, error) {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	data, err := p.client.Get(opCtx, p.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Payload{}, false, nil
		}
		return Payload{}, false, fmt.Errorf("ipranges redis sync: read %s: %w", p.key, err)
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, false, fmt.Errorf("ipranges redis sync: invalid payload: %w", err)
	}
	return payload, true, nil
}

func (p *Publisher) store(ctx context.Context, data []byte) error {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	return p.client.Set(opCtx, p.key, data, 0).Err()
}

func (p *Publisher) notify(ctx context.Context, data []byte) error {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()
	return p.client.Publish(opCtx, p.channel, data).Err()
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}
