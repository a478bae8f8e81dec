package natsx

import (
	"context"
	"sync"
	"time"

	"FlareIM/service/stream"
)

// IdemStore 记住处理过的 key，ttl 内再次出现返回 seen=true
type IdemStore interface {
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
	// Forget 处理失败时撤销标记，允许重投
	Forget(ctx context.Context, key string) error
}

// MemIdem 单进程实现，写入时顺带清理过期 key
type MemIdem struct {
	mu     sync.Mutex
	m      map[string]time.Time // key -> expireAt
	ttl    time.Duration
	now    func() time.Time
	writes int
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	return &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now}
}

// WithClock 测试用
func (mi *MemIdem) WithClock(now func() time.Time) *MemIdem {
	mi.now = now
	return mi
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil // 已见过
	}
	mi.m[key] = now.Add(ttl)
	mi.writes++
	if mi.writes%1024 == 0 {
		for k, exp := range mi.m {
			if !exp.After(now) {
				delete(mi.m, k)
			}
		}
	}
	return false, nil
}

func (mi *MemIdem) Forget(_ context.Context, key string) error {
	mi.mu.Lock()
	delete(mi.m, key)
	mi.mu.Unlock()
	return nil
}

// IdemMiddleware 跳过 scope 内已成功处理过的记录（按 Record.ID，即 Nats-Msg-Id）；
// 处理失败时撤销标记。没有 ID 的记录直接放行。
func IdemMiddleware(store IdemStore, ttl time.Duration, scope string) Middleware {
	return func(next stream.Handler) stream.Handler {
		return func(ctx context.Context, rec stream.Record) error {
			if rec.ID == "" {
				return next(ctx, rec)
			}
			key := scope + "|" + rec.Topic + "|" + rec.ID
			seen, err := store.SeenOnce(ctx, key, ttl)
			if err != nil {
				return next(ctx, rec)
			}
			if seen {
				return nil
			}
			if err := next(ctx, rec); err != nil {
				_ = store.Forget(ctx, key)
				return err
			}
			return nil
		}
	}
}
