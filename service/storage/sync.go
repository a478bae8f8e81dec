package storage

import (
	"context"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

// Syncer 重连后的补偿拉取：返回 seq > last_acked_seq 的归档消息（seq 升序）
type Syncer struct {
	cursors CursorStore
	archive Archive
	hot     HotCache
}

func NewSyncer(cursors CursorStore, archive Archive, hot HotCache) *Syncer {
	return &Syncer{cursors: cursors, archive: archive, hot: hot}
}

// SyncResult HasMore=true 时客户端带着最后一条的 seq 继续拉
type SyncResult struct {
	Cursor   model.Cursor `json:"cursor"`
	Messages []Record     `json:"messages"`
	HasMore  bool         `json:"has_more"`
}

// Sync afterSeq>0 时以它为起点（分页），否则从游标开始
func (s *Syncer) Sync(ctx context.Context, tenantID, userID, conversationID string, afterSeq int64, limit int) (SyncResult, error) {
	if userID == "" || conversationID == "" {
		return SyncResult{}, errs.ErrInvalidArgument.WrapMsg("sync: user and conversation required")
	}
	cur, err := s.cursors.Get(ctx, tenantID, userID, conversationID)
	if err != nil {
		return SyncResult{}, err
	}
	from := cur.LastAckedSeq
	if afterSeq > from {
		from = afterSeq
	}
	q := Query{TenantID: tenantID, ConversationID: conversationID, FromSeq: from + 1, Limit: limit}
	rows, err := s.archive.Query(ctx, q)
	if err != nil {
		return SyncResult{}, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Visible())
	}
	return SyncResult{Cursor: cur, Messages: out, HasMore: len(rows) == q.limit()}, nil
}

// Lookup 先查热缓存，未命中回源归档
func (s *Syncer) Lookup(ctx context.Context, tenantID, conversationID string, seq int64) (Record, error) {
	if s.hot != nil {
		if m, err := s.hot.Get(ctx, tenantID, conversationID, seq); err == nil {
			return Record{Message: *m}, nil
		}
	}
	rows, err := s.archive.Query(ctx, Query{TenantID: tenantID, ConversationID: conversationID, FromSeq: seq, ToSeq: seq, Limit: 1})
	if err != nil {
		return Record{}, err
	}
	if len(rows) == 0 {
		return Record{}, errs.ErrNotFound.WrapMsg("message", "conversation", conversationID, "seq", seq)
	}
	return rows[0].Visible(), nil
}
