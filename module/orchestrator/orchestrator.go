package orchestrator

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/metrics"
	"FlareIM/service/seq"
	"FlareIM/service/stream"
	"FlareIM/service/wal"
	"FlareIM/tools/errs"
	"FlareIM/tools/ids"
	"FlareIM/tools/safe"

	"go.uber.org/zap"
)

// Tenants 租户目录
type Tenants interface {
	Resolve(tenantID string) (config.TenantPolicy, bool)
}

// SenderVerifier 校验信封里的发送者确实持有该会话
type SenderVerifier interface {
	VerifySender(ctx context.Context, env model.Envelope) error
}

// AttachmentResolver 附件 file_id 是否可解析（文件服务在外部）
type AttachmentResolver interface {
	Resolve(ctx context.Context, tenantID string, fileIDs []string) error
}

type Options struct {
	MaxPayloadBytes   int
	IdempotencyWindow time.Duration
	SubmitTimeout     time.Duration
	PublishTimeout    time.Duration
	RecoveryEvery     time.Duration
	RecoveryGrace     time.Duration
	RecoveryBatch     int
	WALRetention      time.Duration
	Clock             func() time.Time
}

func (o *Options) norm() {
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = 64 << 10
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = 24 * time.Hour
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 30 * time.Second
	}
	if o.RecoveryEvery <= 0 {
		o.RecoveryEvery = 30 * time.Second
	}
	if o.RecoveryGrace <= 0 {
		o.RecoveryGrace = time.Minute
	}
	if o.RecoveryBatch <= 0 {
		o.RecoveryBatch = 1000
	}
	if o.WALRetention <= 0 {
		o.WALRetention = 72 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Deps 编排器协作方
type Deps struct {
	Tenants     Tenants
	Senders     SenderVerifier
	Attachments AttachmentResolver
	Hooks       *Hooks
	Admission   *Admission
	Seq         seq.Allocator
	Idempotency seq.Idempotency
	WAL         wal.Log
	Streams     stream.Publisher
	Metrics     *metrics.Orchestrator
	Log         *zap.Logger
}

const convStripes = 256

// Orchestrator 提交流水线：校验 -> 钩子 -> 去重 -> 分配 seq -> 冻结 -> WAL -> 扇出 -> 返回
type Orchestrator struct {
	opts Options
	deps Deps
	log  *zap.Logger

	// 同一会话在本实例内串行 allocate..publish，push 流上 seq 有序
	convMu [convStripes]sync.Mutex
}

func New(opts Options, deps Deps) *Orchestrator {
	opts.norm()
	safe.MustNotNil(deps.Seq, "seq allocator")
	safe.MustNotNil(deps.Idempotency, "idempotency")
	safe.MustNotNil(deps.WAL, "wal")
	safe.MustNotNil(deps.Streams, "streams")
	if deps.Hooks == nil {
		deps.Hooks = &Hooks{}
	}
	if deps.Admission == nil {
		deps.Admission = NewAdmission(nil, 0, deps.Metrics)
	}
	return &Orchestrator{opts: opts, deps: deps, log: logger.OrDefault(deps.Log, "orchestrator")}
}

func (o *Orchestrator) lockConv(tenantID, conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(conversationID))
	mu := &o.convMu[h.Sum32()%convStripes]
	mu.Lock()
	return mu.Unlock
}

// Submit 重复提交返回第一次的 (seq, server_ts)，不算错误
func (o *Orchestrator) Submit(ctx context.Context, env model.Envelope, sub model.Submission) (res model.SubmitResult, err error) {
	start := o.opts.Clock()
	defer func() { o.deps.Metrics.Submit(resultLabel(res, err), time.Since(start)) }()

	var cancel context.CancelFunc
	if !env.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, env.Deadline)
	} else {
		ctx, cancel = context.WithTimeout(ctx, o.opts.SubmitTimeout)
	}
	defer cancel()

	// 1. 校验
	policy, err := o.validate(ctx, &env, &sub)
	if err != nil {
		return res, err
	}
	if err = o.deps.Admission.Admit(ctx, env.TenantID, policy); err != nil {
		return res, err
	}
	msg := draft(env, sub)

	// 2. pre-send / recall 钩子
	if err = o.deps.Hooks.gate(ctx, env, msg); err != nil {
		return res, err
	}
	if err = checkPayload(msg, payloadLimit(env, policy, o.opts.MaxPayloadBytes)); err != nil {
		return res, err
	}

	// 3. 幂等
	key := seq.Key{TenantID: env.TenantID, ConversationID: msg.ConversationID, MessageID: msg.MessageID}
	mark, err := o.deps.Idempotency.CheckAndMark(ctx, key, o.opts.IdempotencyWindow)
	if err != nil {
		return res, err
	}
	if mark.Duplicate {
		return model.SubmitResult{MessageID: msg.MessageID, Seq: mark.Seq, ServerTS: mark.ServerTS, Duplicate: true}, nil
	}
	committed := false
	defer func() {
		if !committed {
			rctx, rc := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer rc()
			if rerr := o.deps.Idempotency.Release(rctx, key); rerr != nil {
				o.log.Warn("release idempotency mark", zap.String("message_id", msg.MessageID), zap.Error(rerr))
			}
		}
	}()

	unlock := o.lockConv(env.TenantID, msg.ConversationID)
	defer unlock()

	// 去重窗口外的重放：WAL 里还在就按重复返回，不分配 seq
	wkey := wal.Key{TenantID: key.TenantID, ConversationID: key.ConversationID, MessageID: key.MessageID}
	if e, gerr := o.deps.WAL.Get(ctx, wkey); gerr == nil {
		committed = true
		return o.replayed(ctx, key, e)
	} else if errs.CodeOf(gerr) != errs.CodeNotFound {
		return res, errs.ErrUnavailable.WrapMsg("wal lookup", "message_id", msg.MessageID, "err", gerr)
	}

	// 4. 分配 seq
	s, err := o.deps.Seq.Allocate(ctx, env.TenantID, msg.ConversationID)
	if err != nil {
		return res, err
	}

	// 5. 冻结
	msg.Seq = s
	msg.ServerTS = o.opts.Clock().UnixMilli()
	raw, err := json.Marshal(msg)
	if err != nil {
		return res, errs.ErrInternal.WrapMsg("marshal message", "err", err)
	}

	// 6. WAL
	entry := model.WalEntry{
		SubmissionID:   env.RequestID,
		TenantID:       env.TenantID,
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		Seq:            s,
		RawPayload:     raw,
		IngestionTS:    o.opts.Clock(),
		State:          model.WalPending,
	}
	if _, err = o.deps.WAL.Append(ctx, entry); err != nil {
		o.rollback(ctx, msg, s)
		if errs.CodeOf(err) == errs.CodeConflict {
			// 别的实例刚写入同一条
			committed = true
			return o.fromWAL(ctx, key)
		}
		o.log.Error("wal append failed", zap.String("message_id", msg.MessageID), zap.Int64("seq", s), zap.Error(err))
		return res, errs.ErrUnavailable.WrapMsg("wal append", "err", err)
	}
	committed = true
	if cerr := o.deps.Idempotency.Commit(ctx, key, s, msg.ServerTS, o.opts.IdempotencyWindow); cerr != nil {
		o.log.Warn("commit idempotency", zap.String("message_id", msg.MessageID), zap.Error(cerr))
	}

	// 7. 扇出；失败不影响结果，恢复扫描会重发
	o.fanout(ctx, msg, model.WalPending)

	o.postSend(ctx, msg)
	// 8.
	return model.SubmitResult{MessageID: msg.MessageID, Seq: s, ServerTS: msg.ServerTS}, nil
}

func (o *Orchestrator) validate(ctx context.Context, env *model.Envelope, sub *model.Submission) (config.TenantPolicy, error) {
	var policy config.TenantPolicy
	if env.TenantID == "" || env.UserID == "" || env.DeviceID == "" {
		return policy, errs.ErrInvalidArgument.WrapMsg("envelope identity incomplete")
	}
	if o.deps.Tenants != nil {
		p, ok := o.deps.Tenants.Resolve(env.TenantID)
		if !ok {
			return policy, errs.ErrPermissionDenied.WrapMsg("unknown tenant", "tenant_id", env.TenantID)
		}
		policy = p
	}
	if sub.ConversationID == "" {
		return policy, errs.ErrInvalidArgument.WrapMsg("conversation_id required")
	}
	if sub.Kind == "" {
		sub.Kind = model.KindChat
	}
	if !sub.Kind.Valid() {
		return policy, errs.ErrInvalidArgument.WrapMsg("unknown message kind", "kind", sub.Kind)
	}
	if sub.Kind.Patch() && sub.OriginalMessageID == "" {
		return policy, errs.ErrInvalidArgument.WrapMsg("recall/edit requires original_message_id")
	}
	if sub.MessageID == "" {
		sub.MessageID = ids.NewULID()
	}
	if sub.ConversationType == "" {
		sub.ConversationType = model.ConvP2P
	}
	if err := checkSize(len(sub.Payload.Data), payloadLimit(*env, policy, o.opts.MaxPayloadBytes)); err != nil {
		return policy, err
	}
	if o.deps.Senders != nil {
		if err := o.deps.Senders.VerifySender(ctx, *env); err != nil {
			return policy, err
		}
	}
	if len(sub.Attachments) > 0 && o.deps.Attachments != nil {
		if err := o.deps.Attachments.Resolve(ctx, env.TenantID, sub.Attachments); err != nil {
			return policy, err
		}
	}
	return policy, nil
}

// payloadLimit 信封上的覆盖 > 租户策略 > 进程默认
func payloadLimit(env model.Envelope, p config.TenantPolicy, def int) int {
	switch {
	case env.MaxPayloadBytes > 0:
		return env.MaxPayloadBytes
	case p.MaxPayloadBytes > 0:
		return p.MaxPayloadBytes
	}
	return def
}

// checkSize 恰好等于上限允许
func checkSize(n, limit int) error {
	if limit > 0 && n > limit {
		return errs.ErrInvalidArgument.WrapMsg("payload too large", "size", n, "limit", limit)
	}
	return nil
}

func checkPayload(msg *model.Message, limit int) error {
	return checkSize(len(msg.Payload.Data), limit)
}

func draft(env model.Envelope, sub model.Submission) *model.Message {
	m := &model.Message{
		TenantID:          env.TenantID,
		MessageID:         sub.MessageID,
		ConversationID:    sub.ConversationID,
		ConversationType:  sub.ConversationType,
		Sender:            model.Sender{UserID: env.UserID, DeviceID: env.DeviceID},
		Kind:              sub.Kind,
		Payload:           sub.Payload,
		ClientTS:          sub.ClientTS,
		Attributes:        sub.Attributes,
		Attachments:       sub.Attachments,
		OriginalMessageID: sub.OriginalMessageID,
		ReceiverIDs:       sub.ReceiverIDs,
		Delivery:          sub.Delivery,
	}
	return m.Clone()
}

// rollback 没写进 WAL 的 seq 退回计数器；期间已有新的分配时只能留下空洞
func (o *Orchestrator) rollback(ctx context.Context, msg *model.Message, s int64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	ok, err := o.deps.Seq.Rollback(rctx, msg.TenantID, msg.ConversationID, s)
	if err != nil || !ok {
		o.log.Warn("seq not rolled back, gap left", zap.String("conversation_id", msg.ConversationID),
			zap.Int64("seq", s), zap.Error(err))
	}
}

func (o *Orchestrator) fromWAL(ctx context.Context, key seq.Key) (model.SubmitResult, error) {
	e, err := o.deps.WAL.Get(ctx, wal.Key{TenantID: key.TenantID, ConversationID: key.ConversationID, MessageID: key.MessageID})
	if err != nil {
		return model.SubmitResult{}, errs.ErrUnavailable.WrapMsg("wal lookup after conflict", "err", err)
	}
	return o.replayed(ctx, key, e)
}

// replayed 用 WAL 里的冻结消息回答重复提交，并补写去重窗口
func (o *Orchestrator) replayed(ctx context.Context, key seq.Key, e model.WalEntry) (model.SubmitResult, error) {
	m, err := decodeEntry(e)
	if err != nil {
		return model.SubmitResult{}, err
	}
	if cerr := o.deps.Idempotency.Commit(ctx, key, m.Seq, m.ServerTS, o.opts.IdempotencyWindow); cerr != nil {
		o.log.Debug("commit idempotency from wal", zap.String("message_id", m.MessageID), zap.Error(cerr))
	}
	return model.SubmitResult{MessageID: m.MessageID, Seq: m.Seq, ServerTS: m.ServerTS, Duplicate: true}, nil
}

func decodeEntry(e model.WalEntry) (*model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(e.RawPayload, &m); err != nil {
		return nil, errs.ErrInternal.WrapMsg("decode wal payload", "message_id", e.MessageID, "err", err)
	}
	return &m, nil
}

// fanout 存储流按 message_id，推送流按 conversation_id；已确认（或存储已进 DLQ）的那一路不再发
func (o *Orchestrator) fanout(ctx context.Context, msg *model.Message, state model.WalState) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.PublishTimeout)
	defer cancel()
	var first error
	if !state.StorageSettled() {
		if err := stream.PublishJSON(pctx, o.deps.Streams, stream.TopicStorageCreated, msg.MessageID, msg.MessageID, msg); err != nil {
			o.log.Warn("publish storage stream", zap.String("message_id", msg.MessageID), zap.Error(err))
			first = err
		}
	}
	if state&model.WalFanoutAcked == 0 {
		if err := stream.PublishJSON(pctx, o.deps.Streams, stream.TopicPushTasks, msg.ConversationID, msg.MessageID, msg); err != nil {
			o.log.Warn("publish push stream", zap.String("message_id", msg.MessageID), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (o *Orchestrator) postSend(ctx context.Context, msg *model.Message) {
	if len(o.deps.Hooks.PostSend) == 0 {
		return
	}
	m := msg.Clone()
	hctx := context.WithoutCancel(ctx)
	safe.SafeGo(func() {
		c, cancel := context.WithTimeout(hctx, o.opts.SubmitTimeout)
		defer cancel()
		o.deps.Hooks.postSend(c, m, o.log)
	})
}

func resultLabel(r model.SubmitResult, err error) string {
	switch {
	case err != nil:
		return errs.Convert(err).Msg
	case r.Duplicate:
		return "duplicate"
	}
	return "ok"
}
