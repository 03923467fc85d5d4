package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/watchsync/party-server/internal/logging"
	"github.com/watchsync/party-server/internal/metrics"
	"github.com/watchsync/party-server/internal/tracing"
)

// RedisStore wraps a go-redis client behind a circuit breaker. Every data
// method degrades gracefully on an open breaker (empty result, nil error)
// rather than propagating a failure to the caller — the coordinators treat a
// degraded store as "nothing found". Ping and Close are not degraded.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisStore dials addr and verifies connectivity before returning.
func NewRedisStore(addr, password string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	st := gobreaker.Settings{
		Name:        "kv-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("kv-redis").Set(v)
		},
	}

	return &RedisStore{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client (used by
// tests against miniredis).
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "kv-redis",
			Timeout: 15 * time.Second,
		}),
	}
}

func (s *RedisStore) degraded(ctx context.Context, op string, err error) bool {
	if !errors.Is(err, gobreaker.ErrOpenState) {
		return false
	}
	metrics.CircuitBreakerFailures.WithLabelValues("kv-redis").Inc()
	logging.Warn(ctx, "kv circuit breaker open, degrading", zap.String("operation", op), zap.Error(err))
	return true
}

// execute runs one store operation through the circuit breaker, wrapped in
// a span and observed on the operation counters and latency histogram.
func (s *RedisStore) execute(ctx context.Context, op string, fn func() (interface{}, error)) (interface{}, error) {
	_, span := tracing.GetLayer().TraceKVOperation(ctx, op)
	start := time.Now()

	res, err := s.cb.Execute(fn)

	tracing.RecordError(span, err)
	span.End()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.KVOperationsTotal.WithLabelValues(op, status).Inc()
	metrics.KVOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return res, err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	res, err := s.execute(ctx, "get", func() (interface{}, error) {
		v, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return v, err
	})
	if err != nil {
		if s.degraded(ctx, "get", err) {
			return "", false, nil
		}
		return "", false, err
	}
	v, _ := res.(string)
	return v, v != "", nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute(ctx, "set", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil && s.degraded(ctx, "set", err) {
		return nil
	}
	return err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute(ctx, "delete", func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil && s.degraded(ctx, "delete", err) {
		return nil
	}
	return err
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	res, err := s.execute(ctx, "exists", func() (interface{}, error) {
		return s.client.Exists(ctx, key).Result()
	})
	if err != nil {
		if s.degraded(ctx, "exists", err) {
			return false, nil
		}
		return false, err
	}
	return res.(int64) > 0, nil
}

func (s *RedisStore) MultiGet(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	res, err := s.execute(ctx, "multi_get", func() (interface{}, error) {
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		out := make([]string, len(vals))
		for i, v := range vals {
			if v == nil {
				continue
			}
			out[i], _ = v.(string)
		}
		return out, nil
	})
	if err != nil {
		if s.degraded(ctx, "multi_get", err) {
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

func (s *RedisStore) ListPushLeft(ctx context.Context, key, value string) error {
	_, err := s.execute(ctx, "list_push_left", func() (interface{}, error) {
		return nil, s.client.LPush(ctx, key, value).Err()
	})
	if err != nil && s.degraded(ctx, "list_push_left", err) {
		return nil
	}
	return err
}

func (s *RedisStore) ListTrim(ctx context.Context, key string, start, stop int64) error {
	_, err := s.execute(ctx, "list_trim", func() (interface{}, error) {
		return nil, s.client.LTrim(ctx, key, start, stop).Err()
	})
	if err != nil && s.degraded(ctx, "list_trim", err) {
		return nil
	}
	return err
}

func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.execute(ctx, "list_range", func() (interface{}, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		if s.degraded(ctx, "list_range", err) {
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

func (s *RedisStore) ListSetAt(ctx context.Context, key string, index int64, value string) error {
	_, err := s.execute(ctx, "list_set_at", func() (interface{}, error) {
		return nil, s.client.LSet(ctx, key, index, value).Err()
	})
	if err != nil && s.degraded(ctx, "list_set_at", err) {
		return nil
	}
	return err
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string) error {
	_, err := s.execute(ctx, "set_add", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil && s.degraded(ctx, "set_add", err) {
		return nil
	}
	return err
}

func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	_, err := s.execute(ctx, "set_remove", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil && s.degraded(ctx, "set_remove", err) {
		return nil
	}
	return err
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute(ctx, "set_members", func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if s.degraded(ctx, "set_members", err) {
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	res, err := s.execute(ctx, "scan_prefix", func() (interface{}, error) {
		var keys []string
		var cursor uint64
		for {
			batch, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return keys, nil
	})
	if err != nil {
		if s.degraded(ctx, "scan_prefix", err) {
			return nil, nil
		}
		return nil, err
	}
	return res.([]string), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := s.execute(ctx, "ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	// Unlike the data paths, a health probe must not degrade to success.
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
