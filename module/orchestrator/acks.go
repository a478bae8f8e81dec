package orchestrator

import (
	"context"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/storage"
	"FlareIM/service/stream"
	"FlareIM/service/wal"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
)

// MessageLocator 客户端 ACK 只带 message_id 时，用来补全会话与 seq
type MessageLocator interface {
	Get(ctx context.Context, tenantID, conversationID, messageID string) (storage.Record, error)
}

// AckProcessor 三路确认：存储确认推进 WAL，分发确认推进 WAL，客户端确认推进游标。
// 存储 DLQ 也在这里落到 WAL，恢复扫描就不会把死信重新送回存储流
type AckProcessor struct {
	wal     wal.Log
	cursors storage.CursorStore
	locator MessageLocator
	hooks   *Hooks
	log     *zap.Logger
}

func NewAckProcessor(w wal.Log, cursors storage.CursorStore, locator MessageLocator, hooks *Hooks, log *zap.Logger) *AckProcessor {
	if hooks == nil {
		hooks = &Hooks{}
	}
	return &AckProcessor{wal: w, cursors: cursors, locator: locator, hooks: hooks, log: logger.OrDefault(log, "acks")}
}

// Topics 需要订阅的主题
func (p *AckProcessor) Topics() []string {
	return []string{stream.TopicStorageAcks, stream.TopicStorageDLQ, stream.TopicPushAcks, stream.TopicClientAcks}
}

// Run 阻塞消费到 ctx 结束
func (p *AckProcessor) Run(ctx context.Context, sub stream.Subscriber, group string) error {
	return sub.Consume(ctx, group, p.Topics(), p.Handle)
}

// Handle 毒消息记录后丢弃；可重试错误返回给驱动重投
func (p *AckProcessor) Handle(ctx context.Context, rec stream.Record) error {
	var err error
	switch rec.Topic {
	case stream.TopicStorageAcks:
		err = p.onPersisted(ctx, rec)
	case stream.TopicStorageDLQ:
		err = p.onDeadLettered(ctx, rec)
	case stream.TopicPushAcks:
		err = p.onDelivery(ctx, rec)
	case stream.TopicClientAcks:
		err = p.onClientAck(ctx, rec)
	default:
		return nil
	}
	if err == nil {
		return nil
	}
	if errs.IsRetryable(err) {
		return err
	}
	p.log.Warn("drop ack record", zap.String("topic", rec.Topic), zap.String("key", rec.Key), zap.Error(err))
	return nil
}

func (p *AckProcessor) onPersisted(ctx context.Context, rec stream.Record) error {
	ack, err := stream.Decode[model.PersistenceAck](rec)
	if err != nil {
		return err
	}
	return p.advance(ctx, ack.TenantID, ack.ConversationID, ack.MessageID, model.WalStorageAcked)
}

func (p *AckProcessor) onDeadLettered(ctx context.Context, rec stream.Record) error {
	dl, err := stream.Decode[model.DeadLetter](rec)
	if err != nil {
		return err
	}
	if dl.Message == nil {
		// 记录本身解不开，没有可对应的 WAL 条目
		return nil
	}
	m := dl.Message
	p.log.Warn("storage dead-lettered, recovery parked", zap.String("message_id", m.MessageID),
		zap.Int64("seq", m.Seq), zap.String("reason", dl.Reason))
	return p.advance(ctx, m.TenantID, m.ConversationID, m.MessageID, model.WalStorageDead)
}

func (p *AckProcessor) onDelivery(ctx context.Context, rec stream.Record) error {
	ack, err := stream.Decode[model.DeliveryAck](rec)
	if err != nil {
		return err
	}
	switch ack.Source {
	case model.AckFromDispatcher:
		// 推送任务已全部物化
		return p.advance(ctx, ack.TenantID, ack.ConversationID, ack.MessageID, model.WalFanoutAcked)
	default:
		if ack.Status == model.AckFailed {
			p.log.Info("delivery failed",
				zap.String("message_id", ack.MessageID), zap.String("user_id", ack.UserID),
				zap.String("device_id", ack.DeviceID), zap.Int("error_code", ack.ErrorCode))
		}
		p.hooks.delivered(ctx, *ack, p.log)
		return nil
	}
}

func (p *AckProcessor) advance(ctx context.Context, tenantID, conversationID, messageID string, st model.WalState) error {
	key := wal.Key{TenantID: tenantID, ConversationID: conversationID, MessageID: messageID}
	merged, err := p.wal.Advance(ctx, key, st)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			// 已被裁剪或不是本集群写入的
			p.log.Debug("ack for unknown wal entry", zap.String("message_id", messageID))
			return nil
		}
		return err
	}
	p.log.Debug("wal advanced", zap.String("message_id", messageID), zap.Stringer("state", merged))
	return nil
}

func (p *AckProcessor) onClientAck(ctx context.Context, rec stream.Record) error {
	ack, err := stream.Decode[model.DeliveryAck](rec)
	if err != nil {
		return err
	}
	if ack.UserID == "" || ack.MessageID == "" {
		return errs.ErrInvalidArgument.WrapMsg("client ack without user/message")
	}
	if (ack.ConversationID == "" || ack.Seq <= 0) && p.locator != nil {
		r, err := p.locator.Get(ctx, ack.TenantID, ack.ConversationID, ack.MessageID)
		if err != nil {
			if errs.CodeOf(err) == errs.CodeNotFound {
				return errs.ErrInvalidArgument.WrapMsg("client ack for unknown message", "message_id", ack.MessageID)
			}
			return err
		}
		ack.ConversationID, ack.Seq = r.ConversationID, r.Seq
	}
	if ack.ConversationID == "" || ack.Seq <= 0 {
		return errs.ErrInvalidArgument.WrapMsg("client ack not locatable", "message_id", ack.MessageID)
	}
	if p.cursors != nil {
		var cur model.Cursor
		if ack.Status == model.AckRead {
			cur, err = p.cursors.Read(ctx, ack.TenantID, ack.UserID, ack.ConversationID, ack.Seq)
		} else {
			cur, err = p.cursors.Ack(ctx, ack.TenantID, ack.UserID, ack.ConversationID, ack.Seq)
		}
		if err != nil {
			return err
		}
		p.log.Debug("cursor advanced", zap.String("user_id", ack.UserID), zap.String("conversation_id", ack.ConversationID),
			zap.Int64("acked", cur.LastAckedSeq), zap.Int64("read", cur.LastReadSeq))
	}
	p.hooks.delivered(ctx, *ack, p.log)
	return nil
}
