package stream

import (
	"context"
	"encoding/json"

	"FlareIM/tools/errs"
)

// 内部主题
const (
	TopicStorageCreated = "flare.im.storage.created" // key = message_id
	TopicStorageAcks    = "flare.im.storage.acks"    // key = message_id
	TopicStorageDLQ     = "flare.im.storage.dlq"
	TopicPushTasks      = "flare.im.push.tasks"      // key = conversation_id
	TopicPushDeliveries = "flare.im.push.deliveries" // key = receiver user_id
	TopicPushAcks       = "flare.im.push.acks"       // key = message_id
	TopicPushDLQ        = "flare.im.push.dlq"
	TopicClientAcks     = "flare.im.client.acks" // key = message_id
)

// AllTopics 启动时确保存在
func AllTopics() []string {
	return []string{
		TopicStorageCreated, TopicStorageAcks, TopicStorageDLQ,
		TopicPushTasks, TopicPushDeliveries, TopicPushAcks, TopicPushDLQ,
		TopicClientAcks,
	}
}

// Record 一条流消息。Key 决定分区；ID 用于生产端去重（可为空）
type Record struct {
	Topic     string
	Key       string
	ID        string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
}

// Handler 返回错误时该条不提交，按驱动语义重投
type Handler func(ctx context.Context, rec Record) error

// Publisher 至少一次发布
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	// InFlight 当前尚未确认的发布数，用于准入控制
	InFlight() int64
}

// Subscriber 以消费组消费若干主题，阻塞到 ctx 结束
type Subscriber interface {
	Consume(ctx context.Context, group string, topics []string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// PublishJSON 编码后发布
func PublishJSON(ctx context.Context, p Publisher, topic, key, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errs.ErrInternal.WrapMsg("marshal stream record", "topic", topic, "err", err)
	}
	return p.Publish(ctx, Record{Topic: topic, Key: key, ID: id, Value: b})
}

// Decode 解码失败属于毒消息，返回 InvalidArgument，调用方应记录后丢弃
func Decode[T any](rec Record) (*T, error) {
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("decode stream record", "topic", rec.Topic, "offset", rec.Offset, "err", err)
	}
	return &v, nil
}
