package prefs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guido-cesarano/pipelined/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps a namespace's preferences in a single Redis hash,
// "prefs:{namespace}". Writes go through a MULTI/EXEC pipeline so a task map
// and its association lists are committed together.
type RedisStore struct {
	rdb        *redis.Client
	namespace  string
	maxRetries uint64
}

// NewRedisClient connects to Redis at "host:port".
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
	})
}

// NewRedisStore scopes a Redis client to one namespace.
func NewRedisStore(rdb *redis.Client, namespace string) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		namespace:  namespace,
		maxRetries: 3,
	}
}

func (s *RedisStore) key() string {
	return fmt.Sprintf("prefs:%s", s.namespace)
}

func (s *RedisStore) Namespace() string { return s.namespace }

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, s.key(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetMany commits the values atomically, retrying transient Redis errors with
// exponential backoff.
func (s *RedisStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}

	operation := func() error {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, s.key(), args...)
		_, err := pipe.Exec(ctx)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	backoffWithMaxRetry := backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)

	return backoff.RetryNotify(operation, backoffWithMaxRetry, func(err error, t time.Duration) {
		logger.Log.Warn().Err(err).
			Str("namespace", s.namespace).
			Dur("retry_in", t).
			Msg("Preferences commit failed, retrying")
	})
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.key(), keys...).Err()
}

// Keys lists the preference keys of the namespace.
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	return s.rdb.HKeys(ctx, s.key()).Result()
}
