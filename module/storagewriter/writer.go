package storagewriter

import (
	"context"
	"time"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/service/metrics"
	"FlareIM/service/natsx"
	"FlareIM/service/storage"
	"FlareIM/service/stream"
	"FlareIM/tools/errs"
	"FlareIM/tools/retry"
	"FlareIM/tools/safe"

	"go.uber.org/zap"
)

const dedupPrefix = "sw:"

type Options struct {
	HotCacheTTL time.Duration
	DedupWindow time.Duration
	Retry       retry.Policy
	Clock       func() time.Time
}

func (o *Options) norm() {
	if o.HotCacheTTL <= 0 {
		o.HotCacheTTL = 24 * time.Hour
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 24 * time.Hour
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = retry.DefaultPolicy()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Deps struct {
	Archive storage.Archive
	Hot     storage.HotCache
	// Dedup 可为 nil，此时只靠归档唯一索引
	Dedup   natsx.IdemStore
	Streams stream.Publisher
	Events  *eventbus.Bus
	Metrics *metrics.Pipeline
	Log     *zap.Logger
}

// Writer 消费存储流：去重 -> 归档(必须) -> 热缓存(尽力) -> 持久化确认
type Writer struct {
	opts Options
	deps Deps
	exec *retry.Executor
	log  *zap.Logger
}

func New(opts Options, deps Deps) *Writer {
	opts.norm()
	safe.MustNotNil(deps.Archive, "archive")
	safe.MustNotNil(deps.Streams, "streams")
	return &Writer{
		opts: opts,
		deps: deps,
		exec: retry.NewExecutor(opts.Retry, retryable),
		log:  logger.OrDefault(deps.Log, "storagewriter"),
	}
}

// retryable 参数错误和唯一键冲突重试也没用
func retryable(err error) bool {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidArgument, errs.CodeConflict, errs.CodePermissionDenied:
		return false
	}
	return true
}

// Executor 测试里替换 Sleep
func (w *Writer) Executor() *retry.Executor { return w.exec }

// Run 阻塞消费到 ctx 结束
func (w *Writer) Run(ctx context.Context, sub stream.Subscriber, group string) error {
	w.log.Info("storage writer started", zap.String("group", group))
	return sub.Consume(ctx, group, []string{stream.TopicStorageCreated}, w.Handle)
}

// Handle 返回 error 表示记录不提交、稍后重投
func (w *Writer) Handle(ctx context.Context, rec stream.Record) error {
	start := w.opts.Clock()
	msg, err := stream.Decode[model.Message](rec)
	if err != nil {
		w.log.Error("undecodable storage record", zap.String("key", rec.Key), zap.Error(err))
		return w.deadLetter(ctx, nil, 0, err)
	}
	if msg.MessageID == "" || msg.ConversationID == "" || msg.Seq <= 0 {
		return w.deadLetter(ctx, msg, 0, errs.ErrInvalidArgument.WrapMsg("incomplete message"))
	}

	key := dedupPrefix + msg.TenantID + ":" + msg.MessageID
	if w.deps.Dedup != nil {
		seen, derr := w.deps.Dedup.SeenOnce(ctx, key, w.opts.DedupWindow)
		if derr != nil {
			w.log.Warn("dedup unavailable, relying on archive index", zap.Error(derr))
		} else if seen {
			// 上次可能写成功但确认没发出去，确认可重复
			w.deps.Metrics.Done("duplicate", time.Since(start))
			return w.ack(ctx, msg)
		}
	}

	attempts, err := w.exec.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			w.deps.Metrics.Retry()
		}
		_, err := w.insert(ctx, msg)
		return err
	})
	if err != nil {
		w.forget(ctx, key)
		if ctx.Err() != nil {
			return err
		}
		return w.deadLetter(ctx, msg, attempts, err)
	}
	if err := w.ack(ctx, msg); err != nil {
		return err
	}
	w.deps.Metrics.Done("ok", time.Since(start))
	return nil
}

// Store 同步写入（StorageService 与消费循环共用）
func (w *Writer) Store(ctx context.Context, msg *model.Message) (bool, error) {
	if msg == nil || msg.MessageID == "" || msg.ConversationID == "" || msg.Seq <= 0 {
		return false, errs.ErrInvalidArgument.WrapMsg("message_id, conversation_id and seq required")
	}
	var inserted bool
	_, err := w.exec.Do(ctx, func(ctx context.Context, _ int) error {
		ok, err := w.insert(ctx, msg)
		inserted = ok
		return err
	})
	return inserted, err
}

func (w *Writer) insert(ctx context.Context, msg *model.Message) (bool, error) {
	inserted, err := w.deps.Archive.Insert(ctx, msg)
	if err != nil {
		return false, err
	}
	if w.deps.Hot != nil {
		if err := w.deps.Hot.Put(ctx, msg, w.opts.HotCacheTTL); err != nil {
			w.log.Warn("hot cache write failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		}
	}
	if !inserted {
		w.log.Debug("archive already has message", zap.String("message_id", msg.MessageID))
	}
	if msg.Kind == model.KindRecall && msg.OriginalMessageID != "" {
		err := w.deps.Archive.MarkRecalled(ctx, msg.TenantID, msg.ConversationID, msg.OriginalMessageID, msg.MessageID)
		switch {
		case err == nil:
		case errs.CodeOf(err) == errs.CodeNotFound:
			// 原消息不在归档里，撤回消息本身已经落库
			w.log.Warn("recall target missing", zap.String("original_message_id", msg.OriginalMessageID))
		default:
			return inserted, err
		}
	}
	return inserted, nil
}

func (w *Writer) ack(ctx context.Context, msg *model.Message) error {
	ack := model.PersistenceAck{
		TenantID:       msg.TenantID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		StoredAt:       w.opts.Clock().UnixMilli(),
	}
	if err := stream.PublishJSON(ctx, w.deps.Streams, stream.TopicStorageAcks, msg.MessageID, msg.MessageID, ack); err != nil {
		w.log.Warn("publish persistence ack", zap.String("message_id", msg.MessageID), zap.Error(err))
		return err
	}
	return nil
}

// deadLetter 编排器的确认处理消费 DLQ，把 WAL 标成 storage_dead；之后由运维处理
func (w *Writer) deadLetter(ctx context.Context, msg *model.Message, attempts int, cause error) error {
	dl := model.DeadLetter{
		Message:  msg,
		Reason:   cause.Error(),
		Attempts: attempts,
		FailedAt: w.opts.Clock(),
		Source:   "storagewriter",
	}
	var key, id string
	if msg != nil {
		key, id = msg.MessageID, msg.MessageID
	}
	if err := stream.PublishJSON(ctx, w.deps.Streams, stream.TopicStorageDLQ, key, id, dl); err != nil {
		w.log.Error("publish storage dlq", zap.String("message_id", key), zap.Error(err))
		return err
	}
	w.deps.Metrics.DLQ()
	w.deps.Metrics.Done("dlq", 0)
	if msg != nil && w.deps.Events != nil {
		w.deps.Events.Publish(eventbus.PersistenceFailed{
			TenantID:       msg.TenantID,
			MessageID:      msg.MessageID,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			Attempts:       attempts,
			Reason:         cause.Error(),
			At:             dl.FailedAt,
		})
	}
	w.log.Error("message dead-lettered", zap.String("message_id", key), zap.Int("attempts", attempts), zap.Error(cause))
	return nil
}

func (w *Writer) forget(ctx context.Context, key string) {
	if w.deps.Dedup == nil {
		return
	}
	if err := w.deps.Dedup.Forget(context.WithoutCancel(ctx), key); err != nil {
		w.log.Warn("dedup forget", zap.String("key", key), zap.Error(err))
	}
}
