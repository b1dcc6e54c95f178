package metastore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"go.lapig.org/tiles/go/skerr"
	"go.lapig.org/tiles/go/sklog"
)

// takeTokensScript implements a token bucket in one round trip. KEYS[1] is the
// bucket key; ARGV are n, ratePerMin, burst and the current time in
// microseconds. The bucket stores "tokens" and "ts" in a hash and expires once
// idle long enough to have refilled completely.
//
// Returns {1, 0} when granted and {0, waitMicros} when not.
const takeTokensScript = `
local key = KEYS[1]
local n = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local nowus = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
  tokens = burst
  ts = nowus
end

local refill = (nowus - ts) * rate / 60000000
tokens = math.min(burst, tokens + refill)

local granted = 0
local wait = 0
if tokens >= n then
  granted = 1
  tokens = tokens - n
else
  wait = math.ceil((n - tokens) * 60000000 / rate)
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', nowus)
redis.call('PEXPIRE', key, math.ceil(burst * 60000 / rate))
return {granted, wait}
`

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client     *redis.Client
	takeTokens *redis.Script
}

// NewRedisStore connects to the Redis server named by url, e.g.
// "redis://localhost:6379/0".
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing redis url %q", url)
	}
	client := redis.NewClient(opts)
	ret := &RedisStore{
		client:     client,
		takeTokens: redis.NewScript(takeTokensScript),
	}
	if err := ret.Ping(ctx); err != nil {
		return nil, skerr.Wrapf(err, "pinging redis at %q", url)
	}
	sklog.Infof("Connected to redis at %s", opts.Addr)
	return ret, nil
}

// NewRedisStoreFromClient wraps an existing client; tests use this with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		takeTokens: redis.NewScript(takeTokensScript),
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ret, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, skerr.Wrapf(err, "GET %s", key)
	}
	return ret, true, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return skerr.Wrapf(err, "SET %s", key)
	}
	return nil
}

// SetNX implements Store.
func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	won, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, skerr.Wrapf(err, "SETNX %s", key)
	}
	return won, nil
}

// Del implements Store.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return skerr.Wrapf(err, "DEL %v", keys)
	}
	return nil
}

// TakeTokens implements Store.
func (s *RedisStore) TakeTokens(ctx context.Context, bucket string, n, ratePerMin, burst int) (bool, time.Duration, error) {
	nowUs := time.Now().UnixMicro()
	ret, err := s.takeTokens.Run(ctx, s.client, []string{bucket}, n, ratePerMin, burst, nowUs).Int64Slice()
	if err != nil {
		return false, 0, skerr.Wrapf(err, "running token bucket script on %s", bucket)
	}
	if len(ret) != 2 {
		return false, 0, skerr.Fmt("token bucket script returned %d values", len(ret))
	}
	return ret[0] == 1, time.Duration(ret[1]) * time.Microsecond, nil
}

// Push implements Store.
func (s *RedisStore) Push(ctx context.Context, queue, value string) error {
	if err := s.client.RPush(ctx, queue, value).Err(); err != nil {
		return skerr.Wrapf(err, "RPUSH %s", queue)
	}
	return nil
}

// Pop implements Store.
func (s *RedisStore) Pop(ctx context.Context, queues ...string) (string, string, bool, error) {
	for _, q := range queues {
		value, err := s.client.LPop(ctx, q).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", "", false, skerr.Wrapf(err, "LPOP %s", q)
		}
		return q, value, true, nil
	}
	return "", "", false, nil
}

// QueueLen implements Store.
func (s *RedisStore) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := s.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, skerr.Wrapf(err, "LLEN %s", queue)
	}
	return n, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return skerr.Wrap(s.client.Close())
}

// Assert RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
