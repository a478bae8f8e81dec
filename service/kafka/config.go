package kafka

import (
	"fmt"
	"strings"
	"time"

	"FlareIM/global/config"

	"github.com/Shopify/sarama"
)

// BuildBaseConfig 生产端与消费端共用的 sarama 配置
func BuildBaseConfig(kc config.KafkaConfig, clientID string) (*sarama.Config, error) {
	cfg := sarama.NewConfig()

	// Kafka 版本（给个兜底，避免零值触发 sarama 校验失败）
	cfg.Version = sarama.V2_1_0_0
	if v := strings.TrimSpace(kc.Version); v != "" {
		ver, err := sarama.ParseKafkaVersion(v)
		if err != nil {
			return nil, fmt.Errorf("parse kafka version %q: %w", v, err)
		}
		cfg.Version = ver
	}
	if clientID != "" {
		cfg.ClientID = clientID
	}

	// Producer：全部 ISR 确认，重试交给 sarama
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Idempotent = false

	// ★ 关键：Key 控制分区，同一会话/同一用户落同一分区
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	switch strings.ToLower(kc.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	case "gzip":
		cfg.Producer.Compression = sarama.CompressionGZIP
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}

	// Consumer：新组从最早位点开始，避免启动前写入的消息被跳过
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategySticky

	// Net
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sarama config validate: %w", err)
	}
	return cfg, nil
}
