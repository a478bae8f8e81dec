package storage

import (
	"context"
	"time"

	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisOnce SETNX 去重窗口：存储写入按 message_id、推送按 task_id
// 方法签名与 natsx.IdemStore 一致，可直接作为它的 Redis 实现
type RedisOnce struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisOnce(rdb redis.UniversalClient, prefix string, defaultTTL time.Duration) *RedisOnce {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &RedisOnce{rdb: rdb, prefix: prefix, ttl: defaultTTL}
}

func (o *RedisOnce) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = o.ttl
	}
	ok, err := o.rdb.SetNX(ctx, o.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, errs.ErrUnavailable.WrapMsg("dedup setnx", "err", err)
	}
	return !ok, nil
}

func (o *RedisOnce) Forget(ctx context.Context, key string) error {
	if err := o.rdb.Del(ctx, o.prefix+key).Err(); err != nil {
		return errs.ErrUnavailable.WrapMsg("dedup forget", "err", err)
	}
	return nil
}
