package pushworker

import (
	"context"
	"strconv"
	"time"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/metrics"
	"FlareIM/service/natsx"
	"FlareIM/service/rpc"
	"FlareIM/service/stream"
	"FlareIM/tools/errs"
	"FlareIM/tools/retry"
	"FlareIM/tools/safe"

	"go.uber.org/zap"
)

// Presence worker 投递前重新确认设备仍在线
type Presence interface {
	Get(ctx context.Context, userID, deviceID string) (model.DeviceRecord, error)
	ResolveBestDevice(ctx context.Context, userID string) (model.DeviceRecord, error)
}

// Gateways 按 endpoint 调用网关的 Deliver
type Gateways interface {
	Deliver(ctx context.Context, endpoint string, req *rpc.DeliverRequest) (*rpc.DeliverResponse, error)
}

// OfflineProvider 离线通道（APNs/FCM 桥接），默认实现见 natsx.OfflinePublisher
type OfflineProvider interface {
	Push(ctx context.Context, task *model.PushTask, platform string) error
}

type Options struct {
	MaxAttempts int
	Backoff     retry.Policy
	RPCTimeout  time.Duration
	DedupWindow time.Duration
	Clock       func() time.Time
	// Sleep 等待 visible_at，测试里替换
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) norm() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = retry.DefaultPolicy()
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 3 * time.Second
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
}

type Deps struct {
	Presence Presence
	Routes   rpc.Resolver
	Gateways Gateways
	Offline  OfflineProvider
	Dedup    natsx.IdemStore
	Streams  stream.Publisher
	Metrics  *metrics.Pipeline
	Log      *zap.Logger
}

// Worker 消费 push.deliveries，按状态机推进每条任务
type Worker struct {
	opts Options
	deps Deps
	log  *zap.Logger
}

func New(opts Options, deps Deps) *Worker {
	opts.norm()
	safe.MustNotNil(deps.Presence, "presence")
	safe.MustNotNil(deps.Routes, "routes")
	safe.MustNotNil(deps.Gateways, "gateways")
	safe.MustNotNil(deps.Streams, "streams")
	return &Worker{opts: opts, deps: deps, log: logger.OrDefault(deps.Log, "pushworker")}
}

// Run 阻塞消费到 ctx 结束
func (w *Worker) Run(ctx context.Context, sub stream.Subscriber, group string) error {
	w.log.Info("push worker started", zap.String("group", group), zap.Int("max_attempts", w.opts.MaxAttempts))
	return sub.Consume(ctx, group, []string{stream.TopicPushDeliveries}, w.Handle)
}

// transition 非法迁移是编程错误
func transition(t *model.PushTask, to model.TaskState) error {
	if !t.State.CanTransition(to) {
		return errs.ErrInternal.WrapMsg("invalid task transition", "task_id", t.TaskID, "from", t.State, "to", to)
	}
	t.State = to
	return nil
}

func dedupKey(t *model.PushTask) string {
	return "pw:" + t.TaskID + ":" + strconv.Itoa(t.AttemptCount)
}

// Handle 同一 (task_id, attempt) 只处理一次；重排的任务 attempt 不同，不会被挡住
func (w *Worker) Handle(ctx context.Context, rec stream.Record) error {
	start := w.opts.Clock()
	task, err := stream.Decode[model.PushTask](rec)
	if err != nil {
		w.log.Error("drop undecodable push task", zap.String("key", rec.Key), zap.Error(err))
		w.deps.Metrics.Done("invalid", time.Since(start))
		return nil
	}
	if task.TaskID == "" || task.ReceiverUserID == "" || task.Message == nil {
		w.log.Error("drop incomplete push task", zap.String("task_id", task.TaskID))
		w.deps.Metrics.Done("invalid", time.Since(start))
		return nil
	}
	if task.State == "" {
		task.State = model.TaskReady
	}
	if task.State.Terminal() {
		return nil
	}

	key := dedupKey(task)
	if w.deps.Dedup != nil {
		seen, derr := w.deps.Dedup.SeenOnce(ctx, key, w.opts.DedupWindow)
		switch {
		case derr != nil:
			w.log.Warn("task dedup unavailable", zap.Error(derr))
		case seen:
			w.deps.Metrics.Done("duplicate", time.Since(start))
			return nil
		}
	}

	if err := w.process(ctx, task); err != nil {
		// 未完成（停机或流不可用）：撤销标记，等重投
		w.forget(ctx, key)
		return err
	}
	w.deps.Metrics.Done(string(task.State), time.Since(start))
	return nil
}

func (w *Worker) process(ctx context.Context, task *model.PushTask) error {
	if wait := task.VisibleAt.Sub(w.opts.Clock()); wait > 0 {
		if err := w.opts.Sleep(ctx, wait); err != nil {
			return errs.ErrDeadlineExceeded.WrapMsg("waiting for visible_at", "task_id", task.TaskID)
		}
	}
	if task.State == model.TaskRetryScheduled {
		if err := transition(task, model.TaskReady); err != nil {
			return err
		}
	}
	if err := transition(task, model.TaskInFlight); err != nil {
		w.log.Error("task state", zap.Error(err))
		return nil
	}

	derr := w.deliver(ctx, task)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if derr == nil {
		if err := transition(task, model.TaskDelivered); err != nil {
			return err
		}
		return w.ack(ctx, task, model.AckDelivered, 0)
	}

	attempt := task.AttemptCount + 1
	task.LastError = derr.Error()
	if retryable(derr) && attempt < w.opts.MaxAttempts {
		return w.requeue(ctx, task, attempt)
	}
	return w.deadLetter(ctx, task, attempt, derr)
}

// retryable 在线目录或网关找不到设备也重试：设备可能在重连
func retryable(err error) bool {
	return errs.IsRetryable(err) || errs.CodeOf(err) == errs.CodeNotFound
}

func (w *Worker) deliver(ctx context.Context, task *model.PushTask) error {
	if !task.OnlineHint && task.ReceiverDeviceID == "" {
		return w.pushOffline(ctx, task, "")
	}
	dev, err := w.locate(ctx, task)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound && task.PersistIfOffline && !task.RequireOnline {
			// 设备已下线，转离线通道
			return w.pushOffline(ctx, task, dev.Platform)
		}
		return err
	}
	ep, err := w.deps.Routes.Resolve(rpc.GatewayServiceName, dev.GatewayID)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, w.opts.RPCTimeout)
	defer cancel()
	_, err = w.deps.Gateways.Deliver(cctx, ep, &rpc.DeliverRequest{
		TenantID: task.TenantID,
		UserID:   task.ReceiverUserID,
		DeviceID: dev.DeviceID,
		TaskID:   task.TaskID,
		Message:  task.Message,
	})
	if err != nil {
		return err
	}
	task.ReceiverDeviceID = dev.DeviceID
	return nil
}

func (w *Worker) locate(ctx context.Context, task *model.PushTask) (model.DeviceRecord, error) {
	if task.ReceiverDeviceID == "" {
		return w.deps.Presence.ResolveBestDevice(ctx, task.ReceiverUserID)
	}
	dev, err := w.deps.Presence.Get(ctx, task.ReceiverUserID, task.ReceiverDeviceID)
	if err != nil {
		return dev, err
	}
	if dev.Kicked {
		return dev, errs.ErrNotFound.WrapMsg("device kicked", "device_id", dev.DeviceID)
	}
	return dev, nil
}

// pushOffline 没有离线通道时消息已在归档里，客户端上线后按游标补拉
func (w *Worker) pushOffline(ctx context.Context, task *model.PushTask, platform string) error {
	if w.deps.Offline == nil {
		w.log.Debug("no offline provider, rely on sync", zap.String("task_id", task.TaskID))
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, w.opts.RPCTimeout)
	defer cancel()
	return w.deps.Offline.Push(cctx, task, platform)
}

func (w *Worker) requeue(ctx context.Context, task *model.PushTask, attempt int) error {
	if err := transition(task, model.TaskRetryScheduled); err != nil {
		return err
	}
	task.AttemptCount = attempt
	task.VisibleAt = w.opts.Clock().Add(w.opts.Backoff.Delay(attempt - 1))
	if err := stream.PublishJSON(ctx, w.deps.Streams, stream.TopicPushDeliveries, task.ReceiverUserID, task.TaskID, task); err != nil {
		return err
	}
	w.deps.Metrics.Retry()
	w.log.Debug("task rescheduled", zap.String("task_id", task.TaskID), zap.Int("attempt", attempt),
		zap.Time("visible_at", task.VisibleAt), zap.String("last_error", task.LastError))
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, task *model.PushTask, attempt int, cause error) error {
	if err := transition(task, model.TaskDLQ); err != nil {
		return err
	}
	task.AttemptCount = attempt
	dl := model.DeadLetter{
		Task:     task,
		Reason:   cause.Error(),
		Attempts: attempt,
		FailedAt: w.opts.Clock(),
		Source:   "pushworker",
	}
	if err := stream.PublishJSON(ctx, w.deps.Streams, stream.TopicPushDLQ, task.ReceiverUserID, task.TaskID, dl); err != nil {
		return err
	}
	w.deps.Metrics.DLQ()
	w.log.Warn("task dead-lettered", zap.String("task_id", task.TaskID), zap.Int("attempts", attempt), zap.Error(cause))
	return w.ack(ctx, task, model.AckFailed, errs.CodeOf(cause))
}

func (w *Worker) ack(ctx context.Context, task *model.PushTask, status model.AckStatus, code int) error {
	ack := model.DeliveryAck{
		TenantID:       task.TenantID,
		MessageID:      task.MessageID,
		ConversationID: task.ConversationID,
		Seq:            task.Seq,
		UserID:         task.ReceiverUserID,
		DeviceID:       task.ReceiverDeviceID,
		Status:         status,
		ErrorCode:      code,
		ServerTS:       w.opts.Clock().UnixMilli(),
		Source:         model.AckFromWorker,
		TaskID:         task.TaskID,
	}
	return stream.PublishJSON(ctx, w.deps.Streams, stream.TopicPushAcks, task.MessageID, task.TaskID+":"+string(status), ack)
}

func (w *Worker) forget(ctx context.Context, key string) {
	if w.deps.Dedup == nil {
		return
	}
	if err := w.deps.Dedup.Forget(context.WithoutCancel(ctx), key); err != nil {
		w.log.Warn("task dedup forget", zap.String("key", key), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
