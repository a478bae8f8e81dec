package natsx

import (
	"errors"
	"strings"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Client 一个进程一条连接；JetStream 上下文按需初始化
type Client struct {
	cfg config.NATSConfig
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger
}

// Connect 连接 NATS，断线无限重连
func Connect(cfg config.NATSConfig, log *zap.Logger) (*Client, error) {
	log = logger.OrDefault(log, "nats")
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("nats url missing")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("nats connect", "url", cfg.URL, "err", err)
	}
	return &Client{cfg: cfg, nc: nc, log: log}, nil
}

func (c *Client) Conn() *nats.Conn { return c.nc }

// JetStream 初始化 JetStream 上下文
func (c *Client) JetStream() (nats.JetStreamContext, error) {
	if c.js != nil {
		return c.js, nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(4096))
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("init jetstream", "err", err)
	}
	c.js = js
	return js, nil
}

// EnsureStream 不存在就创建；Duplicates 窗口配合 Nats-Msg-Id 做生产端去重
func (c *Client) EnsureStream(name string, subjects []string) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	_, err = js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return errs.ErrUnavailable.WrapMsg("stream info", "stream", name, "err", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return errs.ErrUnavailable.WrapMsg("add stream", "stream", name, "err", err)
	}
	c.log.Info("jetstream stream ready", zap.String("stream", name), zap.Strings("subjects", subjects))
	return nil
}

// Close 优雅关闭
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	return c.nc.Drain()
}

func toHeader(h map[string]string) nats.Header {
	hd := nats.Header{}
	for k, v := range h {
		hd.Set(k, v)
	}
	return hd
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
