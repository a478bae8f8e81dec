package dispatcher

import (
	"context"
	"sync"
	"time"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/service/metrics"
	"FlareIM/service/stream"
	"FlareIM/tools/errs"
	"FlareIM/tools/safe"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Presence 分发器只读在线目录
type Presence interface {
	List(ctx context.Context, userID string) ([]model.DeviceRecord, error)
	BatchOnlineStatus(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type Options struct {
	// Workers 并发查询在线目录的协程数
	Workers int
	Clock   func() time.Time
}

func (o *Options) norm() {
	if o.Workers <= 0 {
		o.Workers = 64
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type Deps struct {
	Conversations ConversationResolver
	Presence      Presence
	Streams       stream.Publisher
	Events        *eventbus.Bus
	Metrics       *metrics.Pipeline
	Log           *zap.Logger
}

// Dispatcher 把推送流上的消息展开成每个接收设备一条 PushTask
type Dispatcher struct {
	opts Options
	deps Deps
	pool *ants.Pool
	log  *zap.Logger
}

func New(opts Options, deps Deps) (*Dispatcher, error) {
	opts.norm()
	safe.MustNotNil(deps.Presence, "presence")
	safe.MustNotNil(deps.Streams, "streams")
	log := logger.OrDefault(deps.Log, "dispatcher")
	pool, err := ants.NewPool(opts.Workers, ants.WithPanicHandler(func(r any) {
		log.Error("presence lookup panic", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("ants pool", "err", err)
	}
	return &Dispatcher{opts: opts, deps: deps, pool: pool, log: log}, nil
}

func (d *Dispatcher) Close() { d.pool.Release() }

// Run 阻塞消费到 ctx 结束
func (d *Dispatcher) Run(ctx context.Context, sub stream.Subscriber, group string) error {
	d.log.Info("push dispatcher started", zap.String("group", group), zap.Int("workers", d.opts.Workers))
	return sub.Consume(ctx, group, []string{stream.TopicPushTasks}, d.Handle)
}

// Handle 任务全部发出后才回分发确认；中途失败整条重投，task_id 确定性，worker 端去重
func (d *Dispatcher) Handle(ctx context.Context, rec stream.Record) error {
	start := d.opts.Clock()
	msg, err := stream.Decode[model.Message](rec)
	if err != nil {
		d.log.Error("drop undecodable push record", zap.String("key", rec.Key), zap.Error(err))
		d.deps.Metrics.Done("invalid", time.Since(start))
		return nil
	}
	receivers, err := d.receivers(ctx, msg)
	if err != nil {
		if errs.IsRetryable(err) {
			d.deps.Metrics.Retry()
			return err
		}
		d.log.Warn("no receivers resolved", zap.String("message_id", msg.MessageID), zap.Error(err))
		receivers = nil
	}
	tasks, err := d.Plan(ctx, msg, receivers)
	if err != nil {
		d.deps.Metrics.Retry()
		return err
	}
	if err := d.publish(ctx, tasks); err != nil {
		d.deps.Metrics.Retry()
		return err
	}
	ack := model.DeliveryAck{
		TenantID:       msg.TenantID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Status:         model.AckDelivered,
		ServerTS:       d.opts.Clock().UnixMilli(),
		Source:         model.AckFromDispatcher,
	}
	if err := stream.PublishJSON(ctx, d.deps.Streams, stream.TopicPushAcks, msg.MessageID, "fanout:"+msg.MessageID, ack); err != nil {
		return err
	}
	d.deps.Metrics.Done("ok", time.Since(start))
	d.log.Debug("message fanned out", zap.String("message_id", msg.MessageID), zap.Int("tasks", len(tasks)))
	return nil
}

// receivers 显式 receiver_ids 优先；聊天室没有显式列表时只取在线成员。发送者本人不推
func (d *Dispatcher) receivers(ctx context.Context, msg *model.Message) ([]string, error) {
	var users []string
	switch {
	case len(msg.ReceiverIDs) > 0:
		users = msg.ReceiverIDs
	case d.deps.Conversations == nil:
		return nil, errs.ErrFailedPrecondition.WrapMsg("no conversation resolver")
	default:
		m, err := d.deps.Conversations.Members(ctx, msg.TenantID, msg.ConversationID, msg.ConversationType)
		if err != nil {
			return nil, err
		}
		users = m
		if msg.ConversationType == model.ConvChatroom {
			online, err := d.deps.Presence.BatchOnlineStatus(ctx, users)
			if err != nil {
				return nil, err
			}
			users = users[:0:0]
			for _, u := range m {
				if online[u] {
					users = append(users, u)
				}
			}
		}
	}
	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" || u == msg.Sender.UserID {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out, nil
}

// Plan 在线目录查询经 ants 池并发执行；结果按接收者顺序返回
func (d *Dispatcher) Plan(ctx context.Context, msg *model.Message, receivers []string) ([]model.PushTask, error) {
	perUser := make([][]model.PushTask, len(receivers))
	errsOut := make([]error, len(receivers))
	var wg sync.WaitGroup
	for i, u := range receivers {
		wg.Add(1)
		if err := d.pool.Submit(func() {
			defer wg.Done()
			perUser[i], errsOut[i] = d.planUser(ctx, msg, u)
		}); err != nil {
			wg.Done()
			errsOut[i] = errs.ErrResourceExhausted.WrapMsg("dispatcher pool", "err", err)
		}
	}
	wg.Wait()
	var tasks []model.PushTask
	for i := range receivers {
		if errsOut[i] != nil {
			return nil, errsOut[i]
		}
		tasks = append(tasks, perUser[i]...)
	}
	return tasks, nil
}

func (d *Dispatcher) planUser(ctx context.Context, msg *model.Message, userID string) ([]model.PushTask, error) {
	devices, err := d.deps.Presence.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	online := devices[:0:0]
	for _, dev := range devices {
		if dev.Online() {
			online = append(online, dev)
		}
	}
	switch {
	case len(online) == 0:
		return d.offline(msg, userID), nil
	case msg.ConversationType == model.ConvChatroom:
		// 聊天室每个用户一条，worker 选最佳设备
		return []model.PushTask{d.task(msg, userID, "", true)}, nil
	}
	tasks := make([]model.PushTask, 0, len(online))
	for _, dev := range online {
		tasks = append(tasks, d.task(msg, userID, dev.DeviceID, true))
	}
	return tasks, nil
}

// offline 要求在线且不保留则丢弃并留审计；否则按用户生成一条离线任务
func (d *Dispatcher) offline(msg *model.Message, userID string) []model.PushTask {
	if msg.Delivery.RequireOnline && !msg.Delivery.PersistIfOffline {
		d.log.Info("delivery dropped, receiver offline",
			zap.String("message_id", msg.MessageID), zap.String("user_id", userID))
		if d.deps.Events != nil {
			d.deps.Events.Publish(eventbus.DeliveryDropped{
				TenantID:       msg.TenantID,
				MessageID:      msg.MessageID,
				ConversationID: msg.ConversationID,
				UserID:         userID,
				Reason:         "require_online",
				At:             d.opts.Clock(),
			})
		}
		return nil
	}
	return []model.PushTask{d.task(msg, userID, "", false)}
}

func (d *Dispatcher) task(msg *model.Message, userID, deviceID string, online bool) model.PushTask {
	return model.PushTask{
		TaskID:           model.TaskID(msg.MessageID, userID, deviceID),
		TenantID:         msg.TenantID,
		MessageID:        msg.MessageID,
		ConversationID:   msg.ConversationID,
		Seq:              msg.Seq,
		ReceiverUserID:   userID,
		ReceiverDeviceID: deviceID,
		OnlineHint:       online,
		RequireOnline:    msg.Delivery.RequireOnline,
		PersistIfOffline: msg.Delivery.PersistIfOffline,
		Priority:         msg.Delivery.Priority,
		VisibleAt:        d.opts.Clock(),
		State:            model.TaskReady,
		Notification:     msg.Kind == model.KindNotification,
		Message:          msg,
	}
}

func (d *Dispatcher) publish(ctx context.Context, tasks []model.PushTask) error {
	for i := range tasks {
		t := &tasks[i]
		if err := stream.PublishJSON(ctx, d.deps.Streams, stream.TopicPushDeliveries, t.ReceiverUserID, t.TaskID, t); err != nil {
			d.log.Warn("publish push task", zap.String("task_id", t.TaskID), zap.Error(err))
			return err
		}
	}
	return nil
}
