package natsx

import (
	"context"
	"encoding/json"
	"strings"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"github.com/nats-io/nats.go"
)

// OfflineSubjectPrefix 离线推送出口：flare.im.offline.<platform>，由 APNs/FCM 桥接服务订阅
const OfflineSubjectPrefix = "flare.im.offline."

// OfflineNotice 交给离线通道的内容
type OfflineNotice struct {
	TenantID       string `json:"tenant_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	UserID         string `json:"user_id"`
	Platform       string `json:"platform"`
	Kind           string `json:"kind,omitempty"`
	Preview        string `json:"preview,omitempty"`
	Attempt        int    `json:"attempt"`
}

// OfflinePublisher 默认离线通道：core NATS request，等对端确认
type OfflinePublisher struct {
	c *Client
}

func NewOfflinePublisher(c *Client) *OfflinePublisher { return &OfflinePublisher{c: c} }

func offlineSubject(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if p == "" {
		p = "default"
	}
	return OfflineSubjectPrefix + strings.ReplaceAll(p, ".", "_")
}

// Push 无订阅者时返回 Unavailable（可重试）
func (o *OfflinePublisher) Push(ctx context.Context, task *model.PushTask, platform string) error {
	n := OfflineNotice{
		TenantID:       task.TenantID,
		MessageID:      task.MessageID,
		ConversationID: task.ConversationID,
		Seq:            task.Seq,
		UserID:         task.ReceiverUserID,
		Platform:       platform,
		Attempt:        task.AttemptCount,
	}
	if task.Message != nil {
		n.Kind = string(task.Message.Kind)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return errs.ErrInternal.WrapMsg("marshal offline notice", "err", err)
	}
	msg := &nats.Msg{
		Subject: offlineSubject(platform),
		Data:    data,
		Header:  toHeader(map[string]string{nats.MsgIdHdr: task.TaskID}),
	}
	if _, err := o.c.nc.RequestMsgWithContext(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return errs.ErrDeadlineExceeded.WrapMsg("offline push", "err", err)
		}
		return errs.ErrUnavailable.WrapMsg("offline push", "subject", offlineSubject(platform), "err", err)
	}
	return nil
}
