// Package cache provides the single-flight result cache for expensive
// analytics queries. Values live in Redis under a configurable namespace;
// a short-lived flight marker elects exactly one producer per key across
// every process, while in-process duplicates collapse through
// singleflight before ever reaching Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/revlens-io/revlens/internal/observability"
)

var (
	// ErrCacheUnavailable indicates Redis-level failures.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrFlightContention indicates a caller exhausted its acquisition
	// rounds without winning the flight or seeing a value appear.
	ErrFlightContention = errors.New("flight contention not resolved")
)

// acquireRounds bounds how many times one caller retries the full
// lookup-acquire-await cycle before giving up with ErrFlightContention.
const acquireRounds = 4

// scanBatchSize is the SCAN count hint and DEL batch size for Invalidate.
const scanBatchSize = 256

// releaseScript deletes the flight marker only when it still carries the
// winner's token, so a slow compute can never release a marker that has
// expired and been re-acquired by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ProducerFunc computes the value for a cache key on a miss. It runs at
// most once per key across the deployment while its flight marker lives.
type ProducerFunc func(ctx context.Context) ([]byte, error)

// Cache coordinates cached reads and single-flight computes against Redis.
type Cache struct {
	config  *Config
	client  *redis.Client
	flights singleflight.Group
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a cache connected to the configured Redis.
func New(config *Config, logger *slog.Logger, metrics *observability.Metrics) (*Cache, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if metrics == nil {
		return nil, errors.New("metrics cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrCacheUnavailable, err)
	}

	return &Cache{
		config:  config,
		client:  client,
		logger:  logger.With(slog.String("component", "cache")),
		metrics: metrics,
	}, nil
}

func (c *Cache) valueKey(key string) string {
	return c.config.Namespace + ":value:" + key
}

func (c *Cache) markerKey(key string) string {
	return c.config.Namespace + ":flight:" + key
}

// GetOrCompute returns the cached value for key, or computes it through
// producer when absent. Concurrent callers for the same key, in this
// process or any other, share one producer run: the winner computes and
// caches, the rest poll until the value lands. A non-positive ttl falls
// back to the configured default.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, producer ProducerFunc) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}

	if producer == nil {
		return nil, errors.New("producer cannot be nil")
	}

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	value, err, _ := c.flights.Do(key, func() (interface{}, error) {
		return c.getOrCompute(ctx, key, ttl, producer)
	})
	if err != nil {
		return nil, err
	}

	return value.([]byte), nil
}

func (c *Cache) getOrCompute(ctx context.Context, key string, ttl time.Duration, producer ProducerFunc) ([]byte, error) {
	value, err := c.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	if value != nil {
		c.metrics.CacheResult("hit")
		return value, nil
	}

	c.metrics.CacheResult("miss")

	for round := 0; round < acquireRounds; round++ {
		if round > 0 {
			value, err := c.lookup(ctx, key)
			if err != nil {
				return nil, err
			}

			if value != nil {
				c.metrics.FlightOutcome("waiter")
				return value, nil
			}
		}

		token := uuid.NewString()

		won, err := c.client.SetNX(ctx, c.markerKey(key), token, c.config.MarkerTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: acquire flight marker: %w", ErrCacheUnavailable, err)
		}

		if won {
			c.metrics.FlightOutcome("winner")
			return c.compute(ctx, key, token, ttl, producer)
		}

		value, err := c.await(ctx, key)
		if err != nil {
			return nil, err
		}

		if value != nil {
			c.metrics.FlightOutcome("waiter")
			return value, nil
		}

		// The marker expired or vanished without a value. The winner
		// failed or crashed, so take another run at the acquisition.
	}

	c.metrics.FlightOutcome("timeout")

	return nil, fmt.Errorf("%w: key %s", ErrFlightContention, key)
}

// compute runs the producer as the elected winner, caches its result, and
// releases the flight marker.
func (c *Cache) compute(ctx context.Context, key, token string, ttl time.Duration, producer ProducerFunc) ([]byte, error) {
	start := time.Now()

	value, err := producer(ctx)

	c.metrics.ObserveProducer(time.Since(start))

	if err != nil {
		// Release the marker so the next caller can retry immediately
		// instead of waiting out the TTL. The error stays with the caller;
		// failures are never cached.
		c.releaseMarker(ctx, key, token)
		return nil, fmt.Errorf("compute %s: %w", key, err)
	}

	if err := c.client.Set(ctx, c.valueKey(key), value, ttl).Err(); err != nil {
		// The computed value is still good for this caller. The next miss
		// recomputes.
		c.logger.Warn("Failed to cache computed value",
			slog.String("key", key),
			slog.Any("error", err))
	}

	c.releaseMarker(ctx, key, token)

	return value, nil
}

// releaseMarker deletes the flight marker if it still belongs to token. A
// failed release is logged and left to the marker TTL.
func (c *Cache) releaseMarker(ctx context.Context, key, token string) {
	if err := releaseScript.Run(ctx, c.client, []string{c.markerKey(key)}, token).Err(); err != nil {
		c.logger.Warn("Failed to release flight marker",
			slog.String("key", key),
			slog.Any("error", err))
	}
}

// await polls for the winner's value while the flight marker lives. It
// returns (nil, nil) when the marker disappears without a value or when the
// wait deadline passes, signalling the caller to retry the acquisition.
func (c *Cache) await(ctx context.Context, key string) ([]byte, error) {
	sleep := c.config.PollInitial
	deadline := time.Now().Add(c.config.MarkerTTL)

	for time.Now().Before(deadline) {
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		value, err := c.lookup(ctx, key)
		if err != nil {
			return nil, err
		}

		if value != nil {
			return value, nil
		}

		exists, err := c.client.Exists(ctx, c.markerKey(key)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: check flight marker: %w", ErrCacheUnavailable, err)
		}

		if exists == 0 {
			return nil, nil
		}

		sleep *= 2
		if sleep > c.config.PollCeiling {
			sleep = c.config.PollCeiling
		}
	}

	return nil, nil
}

// lookup reads the cached value for key, returning (nil, nil) on a miss.
func (c *Cache) lookup(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, c.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCacheUnavailable, key, err)
	}

	return value, nil
}

// Invalidate deletes every cached value whose key starts with keyPrefix and
// returns how many entries were removed. Flight markers are left alone: a
// compute already in flight completes and caches its value, which then
// serves until its TTL or the next invalidation.
func (c *Cache) Invalidate(ctx context.Context, keyPrefix string) (int64, error) {
	if keyPrefix == "" {
		return 0, errors.New("key prefix cannot be empty")
	}

	pattern := c.valueKey(keyPrefix) + "*"

	var deleted int64

	batch := make([]string, 0, scanBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		removed, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("%w: delete invalidated keys: %w", ErrCacheUnavailable, err)
		}

		deleted += removed
		batch = batch[:0]

		return nil
	}

	iter := c.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())

		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}

	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: scan %s: %w", ErrCacheUnavailable, pattern, err)
	}

	if err := flush(); err != nil {
		return deleted, err
	}

	c.logger.Info("Invalidated cached values",
		slog.String("prefix", keyPrefix),
		slog.Int64("deleted", deleted))

	return deleted, nil
}

// HealthCheck verifies the Redis connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrCacheUnavailable, err)
	}

	return nil
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
