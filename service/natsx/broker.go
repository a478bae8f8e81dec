package natsx

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"FlareIM/service/stream"
	"FlareIM/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// HeaderKey 分区 key 放在消息头，消费端还原到 Record.Key
const HeaderKey = "Flare-Key"

// Broker JetStream 实现的 stream.Broker。主题名即 subject（flare.im.*）。
// 每个 (group, topic) 一个 durable pull consumer，MaxAckPending=1 保证顺序
type Broker struct {
	c        *Client
	js       nats.JetStreamContext
	inflight atomic.Int64
	batch    int
	wait     time.Duration
	ackWait  time.Duration

	dedup    IdemStore
	dedupTTL time.Duration
}

var _ stream.Broker = (*Broker)(nil)

func NewBroker(c *Client) (*Broker, error) {
	name := c.cfg.Stream
	if name == "" {
		name = "FLARE_IM"
	}
	if err := c.EnsureStream(name, []string{"flare.im.>"}); err != nil {
		return nil, err
	}
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	return &Broker{c: c, js: js, batch: 16, wait: 500 * time.Millisecond, ackWait: 30 * time.Second}, nil
}

// WithDedup ack 丢失导致的重投在消费端被挡掉；ttl 应大于 AckWait
func (b *Broker) WithDedup(store IdemStore, ttl time.Duration) *Broker {
	b.dedup, b.dedupTTL = store, ttl
	return b
}

func (b *Broker) Publish(ctx context.Context, rec stream.Record) error {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)

	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Value
	msg.Header = toHeader(rec.Headers)
	if rec.Key != "" {
		msg.Header.Set(HeaderKey, rec.Key)
	}
	if rec.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, rec.ID)
	}
	if _, err := b.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		if ctx.Err() != nil {
			return errs.ErrDeadlineExceeded.WrapMsg("jetstream publish", "topic", rec.Topic, "err", err)
		}
		return errs.ErrUnavailable.WrapMsg("jetstream publish", "topic", rec.Topic, "err", err)
	}
	return nil
}

func (b *Broker) InFlight() int64 { return b.inflight.Load() }

// durableName durable 名不能带 '.'
func durableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "__" + topic)
}

func (b *Broker) Consume(ctx context.Context, group string, topics []string, h stream.Handler) error {
	if b.dedup != nil {
		h = Chain(h, IdemMiddleware(b.dedup, b.dedupTTL, group))
	}
	errc := make(chan error, len(topics))
	for _, t := range topics {
		go func(topic string) { errc <- b.pull(ctx, group, topic, h) }(t)
	}
	var first error
	for range topics {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Broker) pull(ctx context.Context, group, topic string, h stream.Handler) error {
	durable := durableName(group, topic)
	sub, err := b.js.PullSubscribe(topic, durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(b.ackWait),
		nats.MaxAckPending(1),
		nats.DeliverAll(),
	)
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("pull subscribe", "topic", topic, "durable", durable, "err", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	log := b.c.log.With(zap.String("durable", durable))
	for {
		if ctx.Err() != nil {
			return nil
		}
		msgs, err := sub.Fetch(b.batch, nats.MaxWait(b.wait))
		if errors.Is(err, nats.ErrTimeout) {
			continue
		}
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil
			}
			log.Warn("fetch failed", zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for i, m := range msgs {
			if err := h(ctx, fromMsg(m)); err != nil {
				log.Warn("handler failed, nak", zap.String("topic", topic), zap.Error(err))
				_ = m.NakWithDelay(200 * time.Millisecond)
				// 同一批后面的消息交给重投，保持顺序
				for _, rest := range msgs[i+1:] {
					_ = rest.Nak()
				}
				break
			}
			_ = m.Ack()
		}
	}
}

func fromMsg(m *nats.Msg) stream.Record {
	hdr := headerToMap(m.Header)
	rec := stream.Record{Topic: m.Subject, Value: append([]byte(nil), m.Data...)}
	if hdr != nil {
		rec.Key = hdr[HeaderKey]
		rec.ID = hdr[nats.MsgIdHdr]
		delete(hdr, HeaderKey)
		delete(hdr, nats.MsgIdHdr)
		if len(hdr) > 0 {
			rec.Headers = hdr
		}
	}
	if meta, err := m.Metadata(); err == nil {
		rec.Offset = int64(meta.Sequence.Stream)
	}
	return rec
}

func (b *Broker) Close() error { return nil }
