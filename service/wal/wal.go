package wal

import (
	"context"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

// Key 一条 WAL 记录的唯一键，(tenant, conversation, message_id)
type Key struct {
	TenantID       string
	ConversationID string
	MessageID      string
}

func KeyOf(e *model.WalEntry) Key {
	return Key{TenantID: e.TenantID, ConversationID: e.ConversationID, MessageID: e.MessageID}
}

// Log 写前日志。Append 返回即已落盘；状态只前进不后退
type Log interface {
	// Append 同一个 Key 第二次写入返回 Conflict
	Append(ctx context.Context, e model.WalEntry) (int64, error)
	Get(ctx context.Context, key Key) (model.WalEntry, error)
	// Advance 按位合并确认，返回合并后的状态
	Advance(ctx context.Context, key Key, state model.WalState) (model.WalState, error)
	// Replay 按 offset 顺序回放 offset >= from 的记录，fn 出错即停止
	Replay(ctx context.Context, from int64, fn func(model.WalEntry) error) error
	// Pending 还需要恢复（未 Settled）且 ingestion_ts <= before 的记录，按 offset 升序
	Pending(ctx context.Context, before time.Time, limit int) ([]model.WalEntry, error)
	// PendingCount 未 Settled 的条数，进 DLQ 等运维的不计入
	PendingCount(ctx context.Context) (int64, error)
	// MaxSeq 会话在日志里用过的最大 seq，给序号分配器做下限
	MaxSeq(ctx context.Context, tenantID, conversationID string) (int64, error)
	// Prune 删除 updated_at < before 的 done 记录
	Prune(ctx context.Context, before time.Time) (int64, error)
}

func validate(e *model.WalEntry) error {
	if e.TenantID == "" || e.ConversationID == "" || e.MessageID == "" {
		return errs.ErrInvalidArgument.WrapMsg("wal entry key incomplete", "message_id", e.MessageID)
	}
	if e.Seq <= 0 {
		return errs.ErrInvalidArgument.WrapMsg("wal entry without seq", "message_id", e.MessageID)
	}
	return nil
}

func validState(s model.WalState) bool { return s.Valid() }

const replayBatch = 500
