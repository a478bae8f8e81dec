package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// HotCache 短 TTL 的最近消息，key = (conversation, seq)
type HotCache interface {
	Put(ctx context.Context, msg *model.Message, ttl time.Duration) error
	Get(ctx context.Context, tenantID, conversationID string, seq int64) (*model.Message, error)
}

func hotKey(tenant, conv string, seq int64) string {
	return "msg:hot:" + tenant + ":" + conv + ":" + strconv.FormatInt(seq, 10)
}

type RedisHotCache struct {
	rdb redis.UniversalClient
}

func NewRedisHotCache(rdb redis.UniversalClient) *RedisHotCache {
	return &RedisHotCache{rdb: rdb}
}

func (c *RedisHotCache) Put(ctx context.Context, msg *model.Message, ttl time.Duration) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errs.ErrInternal.WrapMsg("marshal message", "err", err)
	}
	if err := c.rdb.Set(ctx, hotKey(msg.TenantID, msg.ConversationID, msg.Seq), b, ttl).Err(); err != nil {
		return errs.ErrUnavailable.WrapMsg("hot cache put", "err", err)
	}
	return nil
}

func (c *RedisHotCache) Get(ctx context.Context, tenantID, conversationID string, seq int64) (*model.Message, error) {
	b, err := c.rdb.Get(ctx, hotKey(tenantID, conversationID, seq)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrNotFound.WrapMsg("hot cache miss", "conversation", conversationID, "seq", seq)
	}
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("hot cache get", "err", err)
	}
	var m model.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errs.ErrInternal.WrapMsg("decode cached message", "err", err)
	}
	return &m, nil
}

type hotEntry struct {
	msg      *model.Message
	expireAt time.Time
}

// MemoryHotCache 进程内实现
type MemoryHotCache struct {
	mu      sync.Mutex
	m       map[string]hotEntry
	now     func() time.Time
	failErr error
}

func NewMemoryHotCache(now func() time.Time) *MemoryHotCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryHotCache{m: make(map[string]hotEntry), now: now}
}

// SetError 注入写失败（nil 复原）
func (c *MemoryHotCache) SetError(err error) {
	c.mu.Lock()
	c.failErr = err
	c.mu.Unlock()
}

func (c *MemoryHotCache) Put(_ context.Context, msg *model.Message, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	c.m[hotKey(msg.TenantID, msg.ConversationID, msg.Seq)] = hotEntry{msg: msg.Clone(), expireAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryHotCache) Get(_ context.Context, tenantID, conversationID string, seq int64) (*model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := hotKey(tenantID, conversationID, seq)
	e, ok := c.m[k]
	if !ok || !c.now().Before(e.expireAt) {
		delete(c.m, k)
		return nil, errs.ErrNotFound.WrapMsg("hot cache miss", "conversation", conversationID, "seq", seq)
	}
	return e.msg.Clone(), nil
}
