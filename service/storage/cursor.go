package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// CursorStore (user, conversation) 的确认 / 已读水位，只增不减。
// 已读隐含已确认：Read 同时抬高 last_acked_seq
type CursorStore interface {
	Ack(ctx context.Context, tenantID, userID, conversationID string, seq int64) (model.Cursor, error)
	Read(ctx context.Context, tenantID, userID, conversationID string, seq int64) (model.Cursor, error)
	Get(ctx context.Context, tenantID, userID, conversationID string) (model.Cursor, error)
}

// 三个 hash 同一个 user，field = conversation
// KEYS[1] = cursor:ack:<tenant>:<user>
// KEYS[2] = cursor:read:<tenant>:<user>
// KEYS[3] = cursor:ts:<tenant>:<user>
// ARGV[1] = conversation  ARGV[2] = seq  ARGV[3] = ack|read  ARGV[4] = now ms
// 返回 {ack, read, ts}
const luaCursorMax = `
local conv = ARGV[1]
local seq  = tonumber(ARGV[2])
local ack  = tonumber(redis.call('HGET', KEYS[1], conv) or '0')
local rd   = tonumber(redis.call('HGET', KEYS[2], conv) or '0')
local ts   = tonumber(redis.call('HGET', KEYS[3], conv) or '0')
local changed = false
if seq > ack then
  redis.call('HSET', KEYS[1], conv, seq)
  ack = seq
  changed = true
end
if ARGV[3] == 'read' and seq > rd then
  redis.call('HSET', KEYS[2], conv, seq)
  rd = seq
  changed = true
end
if changed then
  ts = tonumber(ARGV[4])
  redis.call('HSET', KEYS[3], conv, ts)
end
return {ack, rd, ts}
`

type RedisCursorStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisCursorStore(rdb redis.UniversalClient) *RedisCursorStore {
	return &RedisCursorStore{rdb: rdb, now: time.Now}
}

func cursorKeys(tenant, user string) []string {
	// hash tag 保证集群下三个 key 同槽
	tag := "{" + tenant + ":" + user + "}"
	return []string{"cursor:ack:" + tag, "cursor:read:" + tag, "cursor:ts:" + tag}
}

func (s *RedisCursorStore) Ack(ctx context.Context, tenantID, userID, conversationID string, seq int64) (model.Cursor, error) {
	return s.advance(ctx, tenantID, userID, conversationID, seq, "ack")
}

func (s *RedisCursorStore) Read(ctx context.Context, tenantID, userID, conversationID string, seq int64) (model.Cursor, error) {
	return s.advance(ctx, tenantID, userID, conversationID, seq, "read")
}

func (s *RedisCursorStore) advance(ctx context.Context, tenant, user, conv string, seq int64, mode string) (model.Cursor, error) {
	if user == "" || conv == "" {
		return model.Cursor{}, errs.ErrInvalidArgument.WrapMsg("cursor: user and conversation required")
	}
	res, err := s.rdb.Eval(ctx, luaCursorMax, cursorKeys(tenant, user), conv, seq, mode, s.now().UnixMilli()).Int64Slice()
	if err != nil {
		return model.Cursor{}, errs.ErrUnavailable.WrapMsg("cursor update", "err", err)
	}
	if len(res) != 3 {
		return model.Cursor{}, errs.ErrInternal.WrapMsg("unexpected cursor result", "res", res)
	}
	return model.Cursor{UserID: user, ConversationID: conv, LastAckedSeq: res[0], LastReadSeq: res[1], UpdatedTS: res[2]}, nil
}

func (s *RedisCursorStore) Get(ctx context.Context, tenantID, userID, conversationID string) (model.Cursor, error) {
	keys := cursorKeys(tenantID, userID)
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGet(ctx, k, conversationID)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return model.Cursor{}, errs.ErrUnavailable.WrapMsg("cursor get", "err", err)
	}
	vals := make([]int64, len(cmds))
	for i, c := range cmds {
		if v, err := c.Result(); err == nil {
			vals[i], _ = strconv.ParseInt(v, 10, 64)
		}
	}
	return model.Cursor{UserID: userID, ConversationID: conversationID, LastAckedSeq: vals[0], LastReadSeq: vals[1], UpdatedTS: vals[2]}, nil
}

// MemoryCursorStore 进程内实现
type MemoryCursorStore struct {
	mu  sync.Mutex
	m   map[string]model.Cursor
	now func() time.Time
}

func NewMemoryCursorStore(now func() time.Time) *MemoryCursorStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCursorStore{m: make(map[string]model.Cursor), now: now}
}

func (s *MemoryCursorStore) Ack(ctx context.Context, tenantID, userID, conversationID string, seq int64) (model.Cursor, error) {
	return s.advance(tenantID, userID, conversationID, seq, false)
}

func (s *MemoryCursorStore) Read(ctx context.Context, tenantID, userID, conversationID string, seq int64) (model.Cursor, error) {
	return s.advance(tenantID, userID, conversationID, seq, true)
}

func (s *MemoryCursorStore) advance(tenant, user, conv string, seq int64, read bool) (model.Cursor, error) {
	if user == "" || conv == "" {
		return model.Cursor{}, errs.ErrInvalidArgument.WrapMsg("cursor: user and conversation required")
	}
	k := tenant + "|" + user + "|" + conv
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[k]
	if !ok {
		c = model.Cursor{UserID: user, ConversationID: conv}
	}
	changed := false
	if seq > c.LastAckedSeq {
		c.LastAckedSeq = seq
		changed = true
	}
	if read && seq > c.LastReadSeq {
		c.LastReadSeq = seq
		changed = true
	}
	if changed {
		c.UpdatedTS = s.now().UnixMilli()
	}
	s.m[k] = c
	return c, nil
}

func (s *MemoryCursorStore) Get(_ context.Context, tenantID, userID, conversationID string) (model.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.m[tenantID+"|"+userID+"|"+conversationID]; ok {
		return c, nil
	}
	return model.Cursor{UserID: userID, ConversationID: conversationID}, nil
}
