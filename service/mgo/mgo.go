package mgo

import (
	"context"
	"math/rand"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type Client struct {
	cli *mongo.Client
	db  *mongo.Database
	log *zap.Logger
}

func (c *Client) DB() *mongo.Database { return c.db }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.cli.Ping(ctx, nil); err != nil {
		return errs.ErrUnavailable.WrapMsg("ping mongo", "err", err)
	}
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.cli.Disconnect(ctx)
}

// 将配置应用到 ClientOptions；单独给了用户名时覆盖 URI 中的认证
func clientOptions(c config.MongoConfig) (*options.ClientOptions, error) {
	if c.URI == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("mongo uri is required")
	}
	if c.Database == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("mongo database is required")
	}
	opts := options.Client().ApplyURI(c.URI)
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}
	if c.Username != "" {
		opts.SetAuth(options.Credential{Username: c.Username, Password: c.Password})
	}
	opts.SetServerSelectionTimeout(5 * time.Second)
	return opts, nil
}

// Connect 带退避重试地连接，直到成功或 ctx 结束
func Connect(ctx context.Context, c config.MongoConfig, log *zap.Logger) (*Client, error) {
	log = logger.OrDefault(log, "mongo")
	opts, err := clientOptions(c)
	if err != nil {
		return nil, err
	}
	const (
		baseBackoff = 200 * time.Millisecond
		maxBackoff  = 5 * time.Second
	)
	attempt := 0
	for {
		cli, err := connectOnce(ctx, opts)
		if err == nil {
			log.Info("mongo connected", zap.String("database", c.Database))
			return &Client{cli: cli, db: cli.Database(c.Database), log: log}, nil
		}
		if !shouldRetry(ctx, err) {
			return nil, errs.ErrUnavailable.WrapMsg("connect mongo", "err", err)
		}
		// 退避 + 抖动
		backoff := baseBackoff << attempt
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 5))) // 0~20%
		sleep := backoff - jitter/2
		log.Warn("mongo connect failed, retrying", zap.Duration("in", sleep), zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.ErrUnavailable.WrapMsg("connect mongo", "err", err)
		case <-timer.C:
		}
		if attempt < 6 {
			attempt++
		}
	}
}

func connectOnce(ctx context.Context, opts *options.ClientOptions) (*mongo.Client, error) {
	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, err
	}
	return cli, nil
}

// shouldRetry 认证失败(13/18)不重试
func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if cmdErr, ok := err.(mongo.CommandError); ok {
		return cmdErr.Code != 13 && cmdErr.Code != 18
	}
	return true
}
