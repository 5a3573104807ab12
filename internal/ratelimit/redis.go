package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:login:"

// consumeScript は取得・比較・加算を 1 回の呼び出しで行います。
// 戻り値は {count, pttl, allowed} です。
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local ttl = redis.call('PTTL', KEYS[1])
if current == 0 or ttl < 0 then
  redis.call('SET', KEYS[1], 1, 'PX', ARGV[2])
  return {1, tonumber(ARGV[2]), 1}
end
if current >= tonumber(ARGV[1]) then
  return {current, ttl, 0}
end
current = redis.call('INCR', KEYS[1])
return {current, ttl, 1}
`)

// RedisBackend は複数インスタンスで共有するレート制限レコードを Redis に保持します。
// 期限切れのキーは TTL で消えるため Sweep は不要です。
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend は RedisBackend を作成します。
func NewRedisBackend(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Consume(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Record, bool, error) {
	res, err := consumeScript.Run(ctx, b.rdb, []string{redisKey(key)}, max, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Record{}, false, err
	}
	if len(res) != 3 {
		return Record{}, false, fmt.Errorf("unexpected script reply: %v", res)
	}
	record := Record{
		Count:     int(res[0]),
		ResetTime: now.Add(time.Duration(res[1]) * time.Millisecond),
	}
	return record, res[2] == 1, nil
}

func (b *RedisBackend) Peek(ctx context.Context, key string, now time.Time) (Record, bool, error) {
	pipe := b.rdb.Pipeline()
	getCmd := pipe.Get(ctx, redisKey(key))
	ttlCmd := pipe.PTTL(ctx, redisKey(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, err
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return Record{}, false, nil
	}
	return Record{Count: count, ResetTime: now.Add(ttl)}, true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, redisKey(key)).Err()
}

func (b *RedisBackend) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func redisKey(key string) string {
	return keyPrefix + key
}
