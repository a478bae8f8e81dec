package wal

import (
	"context"
	"sort"
	"sync"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

// MemoryLog 进程内实现，测试与单机部署用
type MemoryLog struct {
	mu      sync.RWMutex
	next    int64
	entries map[int64]*model.WalEntry
	byKey   map[Key]int64
	now     func() time.Time
	failErr error
}

func NewMemoryLog(now func() time.Time) *MemoryLog {
	if now == nil {
		now = time.Now
	}
	return &MemoryLog{
		next:    1,
		entries: make(map[int64]*model.WalEntry),
		byKey:   make(map[Key]int64),
		now:     now,
	}
}

// SetAppendError 注入 Append 失败（nil 复原）
func (m *MemoryLog) SetAppendError(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *MemoryLog) Append(_ context.Context, e model.WalEntry) (int64, error) {
	if err := validate(&e); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return 0, m.failErr
	}
	k := KeyOf(&e)
	if off, ok := m.byKey[k]; ok {
		return off, errs.ErrConflict.WrapMsg("wal entry exists", "message_id", e.MessageID, "offset", off)
	}
	e.Offset = m.next
	m.next++
	if e.IngestionTS.IsZero() {
		e.IngestionTS = m.now()
	}
	e.UpdatedAt = e.IngestionTS
	e.RawPayload = append([]byte(nil), e.RawPayload...)
	m.entries[e.Offset] = &e
	m.byKey[k] = e.Offset
	return e.Offset, nil
}

func (m *MemoryLog) Get(_ context.Context, key Key) (model.WalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off, ok := m.byKey[key]
	if !ok {
		return model.WalEntry{}, errs.ErrNotFound.WrapMsg("wal entry", "message_id", key.MessageID)
	}
	return *m.entries[off], nil
}

func (m *MemoryLog) Advance(_ context.Context, key Key, state model.WalState) (model.WalState, error) {
	if !validState(state) {
		return 0, errs.ErrInvalidArgument.WrapMsg("bad wal state", "state", int(state))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.byKey[key]
	if !ok {
		return 0, errs.ErrNotFound.WrapMsg("wal entry", "message_id", key.MessageID)
	}
	e := m.entries[off]
	merged := e.State.Merge(state)
	if merged != e.State {
		e.State = merged
		e.UpdatedAt = m.now()
	}
	return merged, nil
}

func (m *MemoryLog) sortedOffsets(from int64) []int64 {
	offs := make([]int64, 0, len(m.entries))
	for off := range m.entries {
		if off >= from {
			offs = append(offs, off)
		}
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}

func (m *MemoryLog) Replay(ctx context.Context, from int64, fn func(model.WalEntry) error) error {
	m.mu.RLock()
	offs := m.sortedOffsets(from)
	batch := make([]model.WalEntry, 0, len(offs))
	for _, off := range offs {
		batch = append(batch, *m.entries[off])
	}
	m.mu.RUnlock()
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return errs.ErrDeadlineExceeded.WrapMsg("wal replay", "err", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLog) Pending(_ context.Context, before time.Time, limit int) ([]model.WalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.WalEntry, 0)
	for _, off := range m.sortedOffsets(0) {
		e := m.entries[off]
		if e.State.Settled() || e.IngestionTS.After(before) {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryLog) PendingCount(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, e := range m.entries {
		if !e.State.Settled() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryLog) MaxSeq(_ context.Context, tenantID, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for _, e := range m.entries {
		if e.TenantID == tenantID && e.ConversationID == conversationID && e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

func (m *MemoryLog) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for off, e := range m.entries {
		if e.State.Done() && e.UpdatedAt.Before(before) {
			delete(m.entries, off)
			delete(m.byKey, KeyOf(e))
			n++
		}
	}
	return n, nil
}

// Len 当前条目数（测试用）
func (m *MemoryLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
