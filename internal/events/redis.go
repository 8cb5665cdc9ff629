package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parv3213/flight-escrow/internal/circuitbreaker"
	"github.com/parv3213/flight-escrow/internal/retry"
)

// DefaultChannel is the pub/sub channel escrow events are published on.
const DefaultChannel = "flight-escrow:events"

// RedisPublisher publishes events to a Redis pub/sub channel and to a
// per-flight channel ("<channel>:<flight address>").
// Publishing stops for a while after repeated failures so a dead bus does not
// add a timeout to every transaction.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewRedisClient parses url and verifies connectivity. Returns nil, nil when
// url is empty (Redis not configured).
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	err = retry.Do(ctx, 3, 250*time.Millisecond, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// NewRedisPublisher creates a publisher. An empty channel uses DefaultChannel.
func NewRedisPublisher(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

func (p *RedisPublisher) Emit(ctx context.Context, evt Event) {
	if p == nil || p.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	payload := Marshal(evt)
	err := p.breaker.Do("redis:"+p.channel, func() error {
		pipe := p.client.Pipeline()
		pipe.Publish(ctx, p.channel, payload)
		pipe.Publish(ctx, p.channel+":"+evt.Flight.Hex(), payload)
		_, err := pipe.Exec(ctx)
		return err
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		p.logger.Debug("redis publish skipped, circuit open",
			"type", string(evt.Type),
			"flight", evt.Flight.Hex(),
		)
	case err != nil:
		p.logger.Warn("redis publish failed",
			"type", string(evt.Type),
			"flight", evt.Flight.Hex(),
			"error", err,
		)
	}
}
