package redis

import (
	"context"
	"time"

	"FlareIM/global/config"
	"FlareIM/tools"
	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// NewClient 建立 Redis 连接并 Ping；addr 为逗号分隔的多个地址时走集群客户端
func NewClient(ctx context.Context, c config.RedisConfig) (redis.UniversalClient, error) {
	addrs := tools.SplitList(c.Addr)
	if len(addrs) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("redis addr required")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrUnavailable.WrapMsg("ping redis", "addr", c.Addr, "err", err)
	}
	return rdb, nil
}
