package kafka

import (
	"context"
	"sync"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/service/stream"
	"FlareIM/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Broker 以 Kafka 实现 stream.Broker；一个进程一个 client，消费组按需创建
type Broker struct {
	kc     config.KafkaConfig
	cfg    *sarama.Config
	client sarama.Client
	prod   *Producer
	log    *zap.Logger

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
}

var _ stream.Broker = (*Broker)(nil)

func NewBroker(kc config.KafkaConfig, clientID string, log *zap.Logger) (*Broker, error) {
	log = logger.OrDefault(log, "kafka")
	if len(kc.Brokers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("kafka brokers is empty")
	}
	cfg, err := BuildBaseConfig(kc, clientID)
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg(err.Error())
	}
	if kc.AutoCreateTopics {
		if err := EnsureTopics(kc, stream.AllTopics()); err != nil {
			return nil, errs.ErrUnavailable.WrapMsg("ensure topics", "err", err)
		}
	}
	client, err := sarama.NewClient(kc.Brokers, cfg)
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("new kafka client", "brokers", kc.Brokers, "err", err)
	}
	prod, err := NewProducer(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("kafka connected", zap.Strings("brokers", kc.Brokers), zap.String("version", cfg.Version.String()))
	return &Broker{kc: kc, cfg: cfg, client: client, prod: prod, log: log}, nil
}

func (b *Broker) Publish(ctx context.Context, rec stream.Record) error {
	return b.prod.Publish(ctx, rec)
}

func (b *Broker) InFlight() int64 { return b.prod.InFlight() }

// Consume 每次调用新建一个消费组实例（同一 client 共享连接）
func (b *Broker) Consume(ctx context.Context, group string, topics []string, h stream.Handler) error {
	cg, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("new consumer group", "group", group, "err", err)
	}
	b.mu.Lock()
	b.groups = append(b.groups, cg)
	b.mu.Unlock()
	b.log.Info("consumer group started", zap.String("group", group), zap.Strings("topics", topics))
	defer func() { _ = cg.Close() }()
	return consume(ctx, cg, topics, h, b.log.With(zap.String("group", group)))
}

func (b *Broker) Close() error {
	b.mu.Lock()
	for _, g := range b.groups {
		_ = g.Close()
	}
	b.groups = nil
	b.mu.Unlock()
	if err := b.prod.Close(); err != nil {
		b.log.Warn("close producer", zap.Error(err))
	}
	return b.client.Close()
}
