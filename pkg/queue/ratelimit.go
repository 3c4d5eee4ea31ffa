package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Token bucket kept in a Redis hash. Nothing is taken when the bucket is
// short; the reply is then the wait in milliseconds until cost tokens are
// available, 0 meaning the tokens were taken. Idle buckets expire once they
// would be full again.
// KEYS[1]: bucket key
// ARGV[1]: rate (tokens/sec), ARGV[2]: burst, ARGV[3]: now (ms), ARGV[4]: cost
var tokenBucket = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local cost = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'ts')
	local tokens = tonumber(state[1]) or burst
	local ts = tonumber(state[2]) or now

	tokens = math.min(burst, tokens + math.max(0, now - ts) * rate / 1000)

	local wait = 0
	if tokens >= cost then
		tokens = tokens - cost
	else
		wait = math.ceil((cost - tokens) * 1000 / rate)
	end
	redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
	redis.call('PEXPIRE', key, math.ceil(burst * 1000 / rate) + 1000)
	return wait
`)

const rateLimitPrefix = "ratelimit:"

// Limiter throttles one-off upload requests per caller so a client cannot
// flood the queues with manual uploads.
type Limiter struct {
	rdb   *redis.Client
	rate  int
	burst int
	now   func() time.Time
}

// NewLimiter allows rate requests per second with bursts of up to burst.
func NewLimiter(rdb *redis.Client, rate, burst int) *Limiter {
	return &Limiter{rdb: rdb, rate: rate, burst: burst, now: time.Now}
}

// Key is the Redis key of the bucket of caller.
func (l *Limiter) Key(caller string) string {
	return rateLimitPrefix + caller
}

// Reserve takes cost tokens from the bucket of caller. When the bucket is
// short nothing is taken and the returned duration says how long to wait.
// Costs above the burst are charged as a full bucket.
func (l *Limiter) Reserve(ctx context.Context, caller string, cost int) (time.Duration, error) {
	cost = max(1, min(cost, l.burst))
	wait, err := tokenBucket.Run(ctx, l.rdb,
		[]string{l.Key(caller)},
		l.rate,
		l.burst,
		l.now().UnixMilli(),
		cost,
	).Int64()
	if err != nil {
		return 0, err
	}
	return time.Duration(wait) * time.Millisecond, nil
}

// Allow takes one token from the bucket of caller.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, error) {
	wait, err := l.Reserve(ctx, caller, 1)
	return err == nil && wait == 0, err
}
