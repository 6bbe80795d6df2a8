package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/kfre-risk-server/pkg/kfre"
)

const redisKeyPrefix = "kfre:result:"

// Remote is a shared result store consulted after a local miss.
type Remote interface {
	Get(ctx context.Context, key string) (kfre.Result, bool, error)
	Set(ctx context.Context, key string, res kfre.Result) error
}

// RedisConfig configures the shared Redis tier.
type RedisConfig struct {
	URL         string
	TTL         time.Duration
	PoolSize    int
	DialTimeout time.Duration
}

// RedisStore keeps prediction results in Redis so that several server
// replicas share one cache. Calls go through a circuit breaker; while it is
// open every lookup is a miss.
type RedisStore struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	ttl     time.Duration
	logger  *logrus.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisStore(client, cfg.TTL, logger), nil
}

func newRedisStore(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisStore {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker changed state")
		},
	})

	return &RedisStore{
		client:  client,
		breaker: breaker,
		ttl:     ttl,
		logger:  logger,
	}
}

// Get returns the stored result for key.
func (r *RedisStore) Get(ctx context.Context, key string) (kfre.Result, bool, error) {
	out, err := r.breaker.Execute(func() (interface{}, error) {
		val, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		return kfre.Result{}, false, fmt.Errorf("redis get: %w", err)
	}
	data, _ := out.([]byte)
	if data == nil {
		return kfre.Result{}, false, nil
	}

	var res kfre.Result
	if err := json.Unmarshal(data, &res); err != nil {
		// a corrupt entry is dropped and treated as a miss
		r.client.Del(ctx, redisKeyPrefix+key)
		return kfre.Result{}, false, nil
	}
	return res, true, nil
}

// Set stores res under key with the configured TTL.
func (r *RedisStore) Set(ctx context.Context, key string, res kfre.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	_, err = r.breaker.Execute(func() (interface{}, error) {
		return nil, r.client.Set(ctx, redisKeyPrefix+key, data, r.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
