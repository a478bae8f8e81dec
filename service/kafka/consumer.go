package kafka

import (
	"context"
	"errors"
	"time"

	"FlareIM/service/stream"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// ConsumerGroupHandler 每个分区一个 ConsumeClaim，分区内串行处理保证顺序。
// handler 出错时不 MarkMessage 并结束本轮 session，重平衡后从已提交位点重投
type ConsumerGroupHandler struct {
	h   stream.Handler
	log *zap.Logger
}

func (c *ConsumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	c.log.Debug("consumer group setup", zap.Any("claims", s.Claims()))
	return nil
}

func (c *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	c.log.Debug("consumer group cleanup")
	return nil
}

func (c *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			rec := fromConsumerMessage(msg)
			if err := c.h(session.Context(), rec); err != nil {
				c.log.Warn("handler failed, partition will be redelivered",
					zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset), zap.Error(err))
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}

func fromConsumerMessage(msg *sarama.ConsumerMessage) stream.Record {
	rec := stream.Record{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h == nil {
				continue
			}
			if string(h.Key) == HeaderRecordID {
				rec.ID = string(h.Value)
				continue
			}
			rec.Headers[string(h.Key)] = string(h.Value)
		}
	}
	return rec
}

// consume 阻塞直到 ctx 结束；每轮 Consume 返回（重平衡/处理失败）后重新加入
func consume(ctx context.Context, group sarama.ConsumerGroup, topics []string, h stream.Handler, log *zap.Logger) error {
	go func() {
		for err := range group.Errors() {
			log.Warn("consumer group error", zap.Error(err))
		}
	}()

	handler := &ConsumerGroupHandler{h: h, log: log}
	for {
		err := group.Consume(ctx, topics, handler)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			log.Warn("consume round ended", zap.Strings("topics", topics), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(200 * time.Millisecond):
		}
	}
}
