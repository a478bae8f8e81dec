package kafka

import (
	"context"
	"sync/atomic"

	"FlareIM/service/stream"
	"FlareIM/tools/errs"

	"github.com/Shopify/sarama"
)

// HeaderRecordID 去重 id 随消息头传递，消费端按它过滤重复
const HeaderRecordID = "x-record-id"

// Producer 同步生产者，Publish 在 broker 确认后返回
type Producer struct {
	p        sarama.SyncProducer
	inflight atomic.Int64
}

func NewProducer(client sarama.Client) (*Producer, error) {
	p, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("new sync producer", "err", err)
	}
	return &Producer{p: p}, nil
}

func toProducerMessage(rec stream.Record) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic: rec.Topic,
		Value: sarama.ByteEncoder(rec.Value),
	}
	if rec.Key != "" {
		msg.Key = sarama.StringEncoder(rec.Key)
	}
	hdrs := make([]sarama.RecordHeader, 0, len(rec.Headers)+1)
	if rec.ID != "" {
		hdrs = append(hdrs, sarama.RecordHeader{Key: []byte(HeaderRecordID), Value: []byte(rec.ID)})
	}
	for k, v := range rec.Headers {
		hdrs = append(hdrs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	msg.Headers = hdrs
	return msg
}

// Publish SyncProducer 不接收 ctx，这里在独立 goroutine 发送并等待 ctx
func (p *Producer) Publish(ctx context.Context, rec stream.Record) error {
	if err := ctx.Err(); err != nil {
		return errs.ErrDeadlineExceeded.WrapMsg(err.Error(), "topic", rec.Topic)
	}
	p.inflight.Add(1)
	done := make(chan error, 1)
	go func() {
		defer p.inflight.Add(-1)
		_, _, err := p.p.SendMessage(toProducerMessage(rec))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return errs.ErrUnavailable.WrapMsg("kafka publish", "topic", rec.Topic, "key", rec.Key, "err", err)
		}
		return nil
	case <-ctx.Done():
		return errs.ErrDeadlineExceeded.WrapMsg("kafka publish", "topic", rec.Topic, "err", ctx.Err())
	}
}

func (p *Producer) InFlight() int64 { return p.inflight.Load() }

func (p *Producer) Close() error { return p.p.Close() }
