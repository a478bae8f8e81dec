package orchestrator

import (
	"context"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
	"FlareIM/tools/safe"

	"go.uber.org/zap"
)

// DecisionKind 钩子的裁决
type DecisionKind int

const (
	DecisionAccept DecisionKind = iota
	DecisionReject
	DecisionRewrite
)

type Decision struct {
	Kind    DecisionKind
	Reason  string
	Payload model.Payload
}

func Accept() Decision { return Decision{Kind: DecisionAccept} }

func Reject(reason string) Decision { return Decision{Kind: DecisionReject, Reason: reason} }

func Rewrite(p model.Payload) Decision { return Decision{Kind: DecisionRewrite, Payload: p} }

// PreSendHook 写 WAL 之前；可以拒绝或改写 payload
type PreSendHook interface {
	PreSend(ctx context.Context, env model.Envelope, msg *model.Message) (Decision, error)
}

// RecallHook recall / edit 在 pre-send 之后额外经过这一层
type RecallHook interface {
	Recall(ctx context.Context, env model.Envelope, msg *model.Message) (Decision, error)
}

// PostSendHook 提交成功之后，异步通知，不影响结果
type PostSendHook interface {
	PostSend(ctx context.Context, msg *model.Message)
}

// DeliveryHook worker 传输确认和客户端确认都会走到这里
type DeliveryHook interface {
	Delivered(ctx context.Context, ack model.DeliveryAck)
}

// Hooks 按阶段排好的钩子链
type Hooks struct {
	PreSend  []PreSendHook
	Recall   []RecallHook
	PostSend []PostSendHook
	Delivery []DeliveryHook
}

// gate 依次执行 pre-send（以及 recall）阶段；任何一个拒绝即返回
func (h *Hooks) gate(ctx context.Context, env model.Envelope, msg *model.Message) error {
	for _, hk := range h.PreSend {
		d, err := hk.PreSend(ctx, env, msg)
		if err := apply(d, err, msg, "pre_send"); err != nil {
			return err
		}
	}
	if !msg.Kind.Patch() {
		return nil
	}
	for _, hk := range h.Recall {
		d, err := hk.Recall(ctx, env, msg)
		if err := apply(d, err, msg, "recall"); err != nil {
			return err
		}
	}
	return nil
}

func apply(d Decision, err error, msg *model.Message, stage string) error {
	if err != nil {
		if errs.CodeOf(err) == errs.CodeDeadlineExceeded {
			return err
		}
		return errs.ErrUnavailable.WrapMsg("hook failed", "stage", stage, "err", err)
	}
	switch d.Kind {
	case DecisionReject:
		return errs.ErrPermissionDenied.WrapMsg("rejected by hook", "stage", stage, "reason", d.Reason)
	case DecisionRewrite:
		msg.Payload = d.Payload
	}
	return nil
}

func (h *Hooks) postSend(ctx context.Context, msg *model.Message, log *zap.Logger) {
	for _, hk := range h.PostSend {
		if err := safe.Call(func() error { hk.PostSend(ctx, msg); return nil }); err != nil {
			log.Warn("post-send hook panic", zap.String("message_id", msg.MessageID), zap.Error(err))
		}
	}
}

func (h *Hooks) delivered(ctx context.Context, ack model.DeliveryAck, log *zap.Logger) {
	for _, hk := range h.Delivery {
		if err := safe.Call(func() error { hk.Delivered(ctx, ack); return nil }); err != nil {
			log.Warn("delivery hook panic", zap.String("message_id", ack.MessageID), zap.Error(err))
		}
	}
}
