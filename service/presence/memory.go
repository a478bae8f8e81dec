package presence

import (
	"context"
	"sync"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

type memEntry struct {
	rec      model.DeviceRecord
	expireAt time.Time
}

// MemoryStore 进程内实现，按 user 分片加锁；过期在读写时惰性判断
type MemoryStore struct {
	shards [32]memShard
	now    func() time.Time
}

type memShard struct {
	mu    sync.Mutex
	users map[string]map[string]*memEntry
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	m := &MemoryStore{now: now}
	for i := range m.shards {
		m.shards[i].users = make(map[string]map[string]*memEntry)
	}
	return m
}

func (m *MemoryStore) shard(user string) *memShard {
	var h uint32 = 2166136261
	for i := 0; i < len(user); i++ {
		h ^= uint32(user[i])
		h *= 16777619
	}
	return &m.shards[h%uint32(len(m.shards))]
}

// live 持锁调用：剔除过期项后返回该用户的设备表
func (s *memShard) live(user string, now time.Time) map[string]*memEntry {
	devs := s.users[user]
	for id, e := range devs {
		if !now.Before(e.expireAt) {
			delete(devs, id)
		}
	}
	if len(devs) == 0 {
		delete(s.users, user)
		return nil
	}
	return devs
}

func (m *MemoryStore) Upsert(_ context.Context, rec model.DeviceRecord, ttl time.Duration, policy model.ConflictPolicy) (UpsertResult, error) {
	if err := validate(&rec); err != nil {
		return UpsertResult{}, err
	}
	now := m.now()
	s := m.shard(rec.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()

	devs := s.live(rec.UserID, now)
	var res UpsertResult
	if cur, ok := devs[rec.DeviceID]; ok {
		switch {
		case rec.TokenEpoch < cur.rec.TokenEpoch:
			return UpsertResult{}, errStale(&rec, cur.rec.TokenEpoch)
		case rec.TokenEpoch == cur.rec.TokenEpoch:
			if cur.rec.GatewayID != rec.GatewayID {
				return UpsertResult{}, errEpochConflict(&rec, cur.rec.GatewayID)
			}
			if cur.rec.Kicked {
				return UpsertResult{}, errKicked(rec.UserID, rec.DeviceID)
			}
			res.Refreshed = true
		}
	}

	var siblings []*memEntry
	for id, e := range devs {
		if id != rec.DeviceID && !e.rec.Kicked {
			siblings = append(siblings, e)
		}
	}
	if policy == model.PolicyRejectNew && len(siblings) > 0 && !res.Refreshed {
		return UpsertResult{}, errRejected(&rec)
	}
	if policy == model.PolicyKickOthers {
		for _, e := range siblings {
			e.rec.Kicked = true
			e.rec.KickReason = string(model.PolicyKickOthers)
			res.Kicked = append(res.Kicked, e.rec)
		}
		sortByDevice(res.Kicked)
	}

	rec.Kicked = false
	rec.KickReason = ""
	rec.TTLMs = ttl.Milliseconds()
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = now
	}
	if devs == nil {
		devs = make(map[string]*memEntry)
		s.users[rec.UserID] = devs
	}
	devs[rec.DeviceID] = &memEntry{rec: rec, expireAt: now.Add(ttl)}
	res.Record = rec
	return res, nil
}

func (m *MemoryStore) Refresh(_ context.Context, userID, deviceID, gatewayID string, ttl time.Duration) error {
	now := m.now()
	s := m.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(userID, now)[deviceID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("presence record not found", "user_id", userID, "device_id", deviceID)
	}
	if e.rec.Kicked {
		return errKicked(userID, deviceID)
	}
	if gatewayID != "" && e.rec.GatewayID != gatewayID {
		return errs.ErrConflict.WrapMsg("record owned by another gateway", "gateway_id", e.rec.GatewayID)
	}
	e.rec.LastSeenAt = now
	e.rec.TTLMs = ttl.Milliseconds()
	e.expireAt = now.Add(ttl)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, userID, deviceID string) error {
	s := m.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if devs := s.users[userID]; devs != nil {
		delete(devs, deviceID)
		if len(devs) == 0 {
			delete(s.users, userID)
		}
	}
	return nil
}

func (m *MemoryStore) RemoveIfSession(_ context.Context, userID, deviceID, sessionID string) (bool, error) {
	now := m.now()
	s := m.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	devs := s.live(userID, now)
	e, ok := devs[deviceID]
	if !ok || e.rec.SessionID != sessionID {
		return false, nil
	}
	delete(devs, deviceID)
	if len(devs) == 0 {
		delete(s.users, userID)
	}
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, userID, deviceID string) (model.DeviceRecord, error) {
	now := m.now()
	s := m.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(userID, now)[deviceID]
	if !ok {
		return model.DeviceRecord{}, errs.ErrNotFound.WrapMsg("presence record not found", "user_id", userID, "device_id", deviceID)
	}
	return e.rec, nil
}

func (m *MemoryStore) List(_ context.Context, userID string) ([]model.DeviceRecord, error) {
	now := m.now()
	s := m.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	devs := s.live(userID, now)
	out := make([]model.DeviceRecord, 0, len(devs))
	for _, e := range devs {
		out = append(out, e.rec)
	}
	sortByDevice(out)
	return out, nil
}
