package seq

import (
	"context"
	"time"

	"FlareIM/tools/errs"
)

// Allocator 会话内严格递增的序号
type Allocator interface {
	Allocate(ctx context.Context, tenantID, conversationID string) (int64, error)
	// Rollback 计数器仍停在 seq 时退回一格；之后已有别的分配则返回 false，留下空洞
	Rollback(ctx context.Context, tenantID, conversationID string, seq int64) (bool, error)
}

// Floor 计数器丢失时的下限来源（归档 / WAL 中已用过的最大 seq）
type Floor interface {
	MaxSeq(ctx context.Context, tenantID, conversationID string) (int64, error)
}

// FloorFunc 适配函数
type FloorFunc func(ctx context.Context, tenantID, conversationID string) (int64, error)

func (f FloorFunc) MaxSeq(ctx context.Context, tenantID, conversationID string) (int64, error) {
	return f(ctx, tenantID, conversationID)
}

// MaxOf 取多个来源中的最大值；任何一个失败都不能初始化
func MaxOf(floors ...Floor) Floor {
	return FloorFunc(func(ctx context.Context, tenantID, conversationID string) (int64, error) {
		var max int64
		for _, f := range floors {
			if f == nil {
				continue
			}
			v, err := f.MaxSeq(ctx, tenantID, conversationID)
			if err != nil {
				return 0, err
			}
			if v > max {
				max = v
			}
		}
		return max, nil
	})
}

// Key 幂等键，租户 + 会话作用域
type Key struct {
	TenantID       string
	ConversationID string
	MessageID      string
}

func (k Key) String() string {
	return "idem:" + k.TenantID + ":" + k.ConversationID + ":" + k.MessageID
}

// Mark CheckAndMark 的结果；Duplicate 时带回第一次的结果
type Mark struct {
	Duplicate bool
	Seq       int64
	ServerTS  int64
}

// Idempotency message_id 去重窗口。
// 首次调用写入占位；Commit 写入结果；提交失败时 Release 删除占位
type Idempotency interface {
	CheckAndMark(ctx context.Context, key Key, window time.Duration) (Mark, error)
	Commit(ctx context.Context, key Key, seq, serverTS int64, window time.Duration) error
	Release(ctx context.Context, key Key) error
}

// ErrInFlight 同一 message_id 的上一次提交还没有结果，客户端稍后重试
var ErrInFlight = errs.ErrConflict.WithDetail("submission in flight")

// 占位最长保留时间，进程崩溃后占位自动失效，不会把消息永久卡住
const defaultPendingTTL = 30 * time.Second

func pendingTTL(window, lease time.Duration) time.Duration {
	if lease <= 0 {
		lease = defaultPendingTTL
	}
	if window > 0 && window < lease {
		return window
	}
	return lease
}

func validKey(k Key) error {
	if k.TenantID == "" || k.ConversationID == "" || k.MessageID == "" {
		return errs.ErrInvalidArgument.WrapMsg("idempotency key incomplete",
			"tenant", k.TenantID, "conversation", k.ConversationID, "message_id", k.MessageID)
	}
	return nil
}
