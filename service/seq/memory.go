package seq

import (
	"context"
	"sync"
	"time"

	"FlareIM/tools/errs"
)

// MemoryAllocator 进程内计数器；首次分配时从 Floor 取下限
type MemoryAllocator struct {
	mu       sync.Mutex
	floor    Floor
	counters map[string]int64
}

func NewMemoryAllocator(floor Floor) *MemoryAllocator {
	return &MemoryAllocator{floor: floor, counters: make(map[string]int64)}
}

func (m *MemoryAllocator) Allocate(ctx context.Context, tenantID, conversationID string) (int64, error) {
	if tenantID == "" || conversationID == "" {
		return 0, errs.ErrInvalidArgument.WrapMsg("allocate: tenant and conversation required")
	}
	k := tenantID + "|" + conversationID
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.counters[k]
	if !ok && m.floor != nil {
		f, err := m.floor.MaxSeq(ctx, tenantID, conversationID)
		if err != nil {
			return 0, errs.ErrUnavailable.WrapMsg("seq floor", "conversation", conversationID, "err", err)
		}
		cur = f
	}
	cur++
	m.counters[k] = cur
	return cur, nil
}

func (m *MemoryAllocator) Rollback(_ context.Context, tenantID, conversationID string, seq int64) (bool, error) {
	k := tenantID + "|" + conversationID
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.counters[k]; !ok || cur != seq {
		return false, nil
	}
	m.counters[k] = seq - 1
	return true, nil
}

// Reset 模拟计数器丢失（测试用）
func (m *MemoryAllocator) Reset(tenantID, conversationID string) {
	m.mu.Lock()
	delete(m.counters, tenantID+"|"+conversationID)
	m.mu.Unlock()
}

type idemEntry struct {
	pending  bool
	seq      int64
	serverTS int64
	expireAt time.Time
}

// MemoryIdempotency 进程内去重窗口，时钟可注入
type MemoryIdempotency struct {
	mu      sync.Mutex
	entries map[string]idemEntry
	lease   time.Duration
	now     func() time.Time
	writes  int
}

func NewMemoryIdempotency(lease time.Duration, now func() time.Time) *MemoryIdempotency {
	if now == nil {
		now = time.Now
	}
	return &MemoryIdempotency{entries: make(map[string]idemEntry), lease: lease, now: now}
}

func (m *MemoryIdempotency) CheckAndMark(_ context.Context, key Key, window time.Duration) (Mark, error) {
	if err := validKey(key); err != nil {
		return Mark{}, err
	}
	now := m.now()
	k := key.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gcLocked(now)
	if e, ok := m.entries[k]; ok && now.Before(e.expireAt) {
		if e.pending {
			return Mark{}, ErrInFlight
		}
		return Mark{Duplicate: true, Seq: e.seq, ServerTS: e.serverTS}, nil
	}
	m.entries[k] = idemEntry{pending: true, expireAt: now.Add(pendingTTL(window, m.lease))}
	return Mark{}, nil
}

func (m *MemoryIdempotency) Commit(_ context.Context, key Key, seq, serverTS int64, window time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	m.mu.Lock()
	m.entries[key.String()] = idemEntry{seq: seq, serverTS: serverTS, expireAt: m.now().Add(window)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key Key) error {
	k := key.String()
	m.mu.Lock()
	if e, ok := m.entries[k]; ok && e.pending {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	return nil
}

// gcLocked 每 1024 次写清理一次过期项
func (m *MemoryIdempotency) gcLocked(now time.Time) {
	m.writes++
	if m.writes%1024 != 0 {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.expireAt) {
			delete(m.entries, k)
		}
	}
}
