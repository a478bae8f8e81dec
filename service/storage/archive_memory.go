package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

type convKey struct{ tenant, conv string }

// MemoryArchive 进程内归档，唯一约束与 Mongo 实现一致
type MemoryArchive struct {
	mu      sync.RWMutex
	bySeq   map[convKey]map[int64]*Record
	byMsg   map[convKey]map[string]*Record
	now     func() time.Time
	failErr error
	inserts int
}

func NewMemoryArchive(now func() time.Time) *MemoryArchive {
	if now == nil {
		now = time.Now
	}
	return &MemoryArchive{
		bySeq: make(map[convKey]map[int64]*Record),
		byMsg: make(map[convKey]map[string]*Record),
		now:   now,
	}
}

// SetError 注入写失败（nil 复原）
func (m *MemoryArchive) SetError(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *MemoryArchive) Insert(_ context.Context, msg *model.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	k := convKey{msg.TenantID, msg.ConversationID}
	if _, ok := m.byMsg[k][msg.MessageID]; ok {
		return false, nil
	}
	if _, ok := m.bySeq[k][msg.Seq]; ok {
		return false, errs.ErrConflict.WrapMsg("seq already taken", "conversation", msg.ConversationID, "seq", msg.Seq)
	}
	if m.bySeq[k] == nil {
		m.bySeq[k] = make(map[int64]*Record)
		m.byMsg[k] = make(map[string]*Record)
	}
	rec := &Record{Message: *msg.Clone(), StoredAt: m.now().UnixMilli()}
	m.bySeq[k][msg.Seq] = rec
	m.byMsg[k][msg.MessageID] = rec
	m.inserts++
	return true, nil
}

func (m *MemoryArchive) Get(_ context.Context, tenantID, conversationID, messageID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conversationID != "" {
		if r, ok := m.byMsg[convKey{tenantID, conversationID}][messageID]; ok {
			return *r, nil
		}
		return Record{}, errs.ErrNotFound.WrapMsg("message", "message_id", messageID)
	}
	for k, msgs := range m.byMsg {
		if k.tenant != tenantID {
			continue
		}
		if r, ok := msgs[messageID]; ok {
			return *r, nil
		}
	}
	return Record{}, errs.ErrNotFound.WrapMsg("message", "message_id", messageID)
}

func (m *MemoryArchive) Query(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.bySeq[convKey{q.TenantID, q.ConversationID}]
	seqs := make([]int64, 0, len(rows))
	for s := range rows {
		if s >= q.FromSeq && (q.ToSeq <= 0 || s <= q.ToSeq) {
			seqs = append(seqs, s)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > q.limit() {
		seqs = seqs[:q.limit()]
	}
	out := make([]Record, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, *rows[s])
	}
	return out, nil
}

func (m *MemoryArchive) MarkRecalled(_ context.Context, tenantID, conversationID, originalID, recallID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	r, ok := m.byMsg[convKey{tenantID, conversationID}][originalID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("recall target", "message_id", originalID)
	}
	r.Recalled = true
	r.RecalledBy = recallID
	return nil
}

func (m *MemoryArchive) Delete(_ context.Context, tenantID, conversationID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byMsg[convKey{tenantID, conversationID}][messageID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("message", "message_id", messageID)
	}
	r.Deleted = true
	return nil
}

func (m *MemoryArchive) MaxSeq(_ context.Context, tenantID, conversationID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for s := range m.bySeq[convKey{tenantID, conversationID}] {
		if s > max {
			max = s
		}
	}
	return max, nil
}

// Count 会话行数（测试用）
func (m *MemoryArchive) Count(tenantID, conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySeq[convKey{tenantID, conversationID}])
}

// Inserts 实际写入次数（测试用）
func (m *MemoryArchive) Inserts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inserts
}
