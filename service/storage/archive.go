package storage

import (
	"context"

	"FlareIM/module/im/model"
)

// Record 归档中的一行。撤回只改标记，原内容保留
type Record struct {
	model.Message `bson:",inline"`
	Recalled      bool   `json:"recalled,omitempty" bson:"recalled"`
	RecalledBy    string `json:"recalled_by,omitempty" bson:"recalled_by,omitempty"`
	Deleted       bool   `json:"deleted,omitempty" bson:"deleted"`
	StoredAt      int64  `json:"stored_at" bson:"stored_at"`
}

// Visible 对外返回的视图：删除的行不带内容
func (r Record) Visible() Record {
	if r.Deleted {
		r.Payload = model.Payload{}
		r.Attachments = nil
	}
	return r
}

// Query 会话内按 seq 区间查询，[FromSeq, ToSeq]，ToSeq<=0 表示不设上限
type Query struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	FromSeq        int64  `json:"from_seq"`
	ToSeq          int64  `json:"to_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 500
)

func (q Query) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultQueryLimit
	case q.Limit > maxQueryLimit:
		return maxQueryLimit
	}
	return q.Limit
}

// Archive 持久归档，(tenant, conversation, seq) 与 (tenant, conversation, message_id) 唯一
type Archive interface {
	// Insert 已存在同一 message_id 时返回 inserted=false，不报错
	Insert(ctx context.Context, msg *model.Message) (inserted bool, err error)
	// Get conversationID 为空时只按 message_id 查
	Get(ctx context.Context, tenantID, conversationID, messageID string) (Record, error)
	Query(ctx context.Context, q Query) ([]Record, error)
	MarkRecalled(ctx context.Context, tenantID, conversationID, originalID, recallID string) error
	Delete(ctx context.Context, tenantID, conversationID, messageID string) error
	MaxSeq(ctx context.Context, tenantID, conversationID string) (int64, error)
}
