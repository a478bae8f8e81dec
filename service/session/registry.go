package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/tools/errs"
	"FlareIM/tools/ids"

	"go.uber.org/zap"
)

// ===== 配置 =====

type Conf struct {
	GatewayID    string
	HeartbeatTTL time.Duration    // 心跳超时（默认 90s）
	SweepEvery   time.Duration    // 清理周期（默认 5s）
	Shards       int              // 分片数，向上取 2 的幂
	Clock        func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 90 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Second
	}
	n := 1
	for n < c.Shards {
		n <<= 1
	}
	if n < 16 {
		n = 16
	}
	c.Shards = n
}

// EventPublisher 会话事件出口（eventbus.Bus）
type EventPublisher interface {
	Publish(ev eventbus.Event)
}

// ===== 数据结构 =====

type sessionShard struct {
	mu sync.RWMutex
	m  map[string]*model.Session // sessionID -> session
}

type userShard struct {
	mu sync.Mutex
	m  map[string]map[string]struct{} // userID -> sessionID set
}

// Registry 本网关的会话表。按 session_id 分片；用户索引按 user_id 分片。
// 加锁顺序固定：先用户分片，再会话分片
type Registry struct {
	conf     Conf
	sessions []*sessionShard
	users    []*userShard
	mask     uint32
	events   EventPublisher
	log      *zap.Logger
}

func NewRegistry(conf Conf, events EventPublisher, log *zap.Logger) *Registry {
	conf.norm()
	r := &Registry{
		conf:     conf,
		sessions: make([]*sessionShard, conf.Shards),
		users:    make([]*userShard, conf.Shards),
		mask:     uint32(conf.Shards - 1),
		events:   events,
		log:      logger.OrDefault(log, "session"),
	}
	for i := 0; i < conf.Shards; i++ {
		r.sessions[i] = &sessionShard{m: make(map[string]*model.Session)}
		r.users[i] = &userShard{m: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Registry) GatewayID() string { return r.conf.GatewayID }

func (r *Registry) HeartbeatTTL() time.Duration { return r.conf.HeartbeatTTL }

func hash32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func (r *Registry) sessionShardOf(id string) *sessionShard { return r.sessions[hash32(id)&r.mask] }
func (r *Registry) userShardOf(user string) *userShard     { return r.users[hash32(user)&r.mask] }

// ===== 生命周期 =====

// Create LOGIN：登记新会话。同一 (user, device) 已有的会话被终止（replaced）
func (r *Registry) Create(s model.Session) (model.Session, error) {
	if s.UserID == "" || s.DeviceID == "" {
		return model.Session{}, errs.ErrInvalidArgument.WrapMsg("session requires user_id and device_id")
	}
	if s.SessionID == "" {
		s.SessionID = ids.NewULID()
	}
	if s.GatewayID == "" {
		s.GatewayID = r.conf.GatewayID
	}
	now := r.conf.Clock()
	s.State = model.SessionLogin
	s.CreatedAt = now
	s.LastHeartbeatAt = now
	s.ConnectionID = ""

	us := r.userShardOf(s.UserID)
	us.mu.Lock()
	var replaced []model.Session
	for sid := range us.m[s.UserID] {
		ss := r.sessionShardOf(sid)
		ss.mu.Lock()
		old, ok := ss.m[sid]
		if ok && old.DeviceID == s.DeviceID {
			delete(ss.m, sid)
			old.State = model.SessionTerminated
			replaced = append(replaced, *old)
			delete(us.m[s.UserID], sid)
		}
		ss.mu.Unlock()
	}

	ss := r.sessionShardOf(s.SessionID)
	ss.mu.Lock()
	if _, dup := ss.m[s.SessionID]; dup {
		ss.mu.Unlock()
		us.mu.Unlock()
		return model.Session{}, errs.ErrConflict.WrapMsg("session id exists", "session_id", s.SessionID)
	}
	cp := s
	ss.m[s.SessionID] = &cp
	ss.mu.Unlock()
	if us.m[s.UserID] == nil {
		us.m[s.UserID] = make(map[string]struct{})
	}
	us.m[s.UserID][s.SessionID] = struct{}{}
	us.mu.Unlock()

	for _, old := range replaced {
		r.emit(old, model.ReasonReplaced)
	}
	return s, nil
}

// Bind CONNECTED：把传输连接绑定到会话。已被其它网关绑定返回 Conflict；
// 同网关重连直接换绑
func (r *Registry) Bind(sessionID, connectionID, gatewayID string) (model.Session, error) {
	if sessionID == "" || connectionID == "" {
		return model.Session{}, errs.ErrInvalidArgument.WrapMsg("session_id/connection_id empty")
	}
	if gatewayID == "" {
		gatewayID = r.conf.GatewayID
	}
	now := r.conf.Clock()
	ss := r.sessionShardOf(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.m[sessionID]
	if !ok || s.Terminal() {
		return model.Session{}, errs.ErrNotFound.WrapMsg("session not found", "session_id", sessionID)
	}
	if s.ConnectionID != "" && s.GatewayID != gatewayID {
		return model.Session{}, errs.ErrConflict.WrapMsg("session bound on another gateway",
			"session_id", sessionID, "gateway_id", s.GatewayID)
	}
	s.ConnectionID = connectionID
	s.GatewayID = gatewayID
	s.State = model.SessionConnected
	if now.After(s.LastHeartbeatAt) {
		s.LastHeartbeatAt = now
	}
	return *s, nil
}

// Unbind 传输断开：会话保留，heartbeat_ttl 内可重新绑定
func (r *Registry) Unbind(sessionID string) error {
	ss := r.sessionShardOf(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.m[sessionID]
	if !ok {
		return errs.ErrNotFound.WrapMsg("session not found", "session_id", sessionID)
	}
	s.ConnectionID = ""
	s.State = model.SessionLogin
	return nil
}

// UnbindConnection 只有仍绑定在该连接上时才解绑（避免旧连接关闭时解掉新连接）
func (r *Registry) UnbindConnection(sessionID, connectionID string) bool {
	ss := r.sessionShardOf(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.m[sessionID]
	if !ok || s.ConnectionID != connectionID {
		return false
	}
	s.ConnectionID = ""
	s.State = model.SessionLogin
	return true
}

// Touch 刷新心跳；已绑定的会话进入 ACTIVE。幂等，心跳时间只前进
func (r *Registry) Touch(sessionID string) (model.Session, error) {
	now := r.conf.Clock()
	ss := r.sessionShardOf(sessionID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.m[sessionID]
	if !ok || s.Terminal() {
		return model.Session{}, errs.ErrNotFound.WrapMsg("session not found", "session_id", sessionID)
	}
	if now.After(s.LastHeartbeatAt) {
		s.LastHeartbeatAt = now
	}
	if s.ConnectionID != "" {
		s.State = model.SessionActive
	}
	return *s, nil
}

func (r *Registry) Resolve(sessionID string) (model.Session, error) {
	ss := r.sessionShardOf(sessionID)
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.m[sessionID]
	if !ok {
		return model.Session{}, errs.ErrNotFound.WrapMsg("session not found", "session_id", sessionID)
	}
	return *s, nil
}

// ResolveByUser 该用户在本网关上的全部会话，按创建时间排序
func (r *Registry) ResolveByUser(userID string) []model.Session {
	us := r.userShardOf(userID)
	us.mu.Lock()
	sids := make([]string, 0, len(us.m[userID]))
	for sid := range us.m[userID] {
		sids = append(sids, sid)
	}
	us.mu.Unlock()

	out := make([]model.Session, 0, len(sids))
	for _, sid := range sids {
		if s, err := r.Resolve(sid); err == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// ResolveDevice 某设备在本网关上的会话
func (r *Registry) ResolveDevice(userID, deviceID string) (model.Session, error) {
	for _, s := range r.ResolveByUser(userID) {
		if s.DeviceID == deviceID {
			return s, nil
		}
	}
	return model.Session{}, errs.ErrNotFound.WrapMsg("no local session", "user_id", userID, "device_id", deviceID)
}

// Terminate LOGOUT / KICK / 鉴权失败
func (r *Registry) Terminate(sessionID, reason string) (model.Session, error) {
	s, ok := r.remove(sessionID, func(*model.Session) bool { return true })
	if !ok {
		return model.Session{}, errs.ErrNotFound.WrapMsg("session not found", "session_id", sessionID)
	}
	s.State = model.SessionTerminated
	r.emit(s, reason)
	return s, nil
}

func (r *Registry) expired(s *model.Session, now time.Time) bool {
	// 恰好等于 ttl 仍视为存活
	return now.Sub(s.LastHeartbeatAt) > r.conf.HeartbeatTTL
}

// EvictExpired 移除心跳超时的会话并发出 SessionTerminated(expired)
func (r *Registry) EvictExpired(now time.Time) []model.Session {
	var cand []string
	for _, ss := range r.sessions {
		ss.mu.RLock()
		for sid, s := range ss.m {
			if r.expired(s, now) {
				cand = append(cand, sid)
			}
		}
		ss.mu.RUnlock()
	}

	var out []model.Session
	for _, sid := range cand {
		// 锁外收集后复查，期间可能已被 touch
		s, ok := r.remove(sid, func(s *model.Session) bool { return r.expired(s, now) })
		if !ok {
			continue
		}
		s.State = model.SessionExpired
		out = append(out, s)
	}
	for _, s := range out {
		r.emit(s, model.ReasonExpired)
	}
	return out
}

// remove 按加锁顺序删除两处索引；pred 在持锁时复查
func (r *Registry) remove(sessionID string, pred func(*model.Session) bool) (model.Session, bool) {
	s, err := r.Resolve(sessionID)
	if err != nil {
		return model.Session{}, false
	}
	us := r.userShardOf(s.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()
	ss := r.sessionShardOf(sessionID)
	ss.mu.Lock()
	cur, ok := ss.m[sessionID]
	if !ok || !pred(cur) {
		ss.mu.Unlock()
		return model.Session{}, false
	}
	delete(ss.m, sessionID)
	out := *cur
	ss.mu.Unlock()

	if set := us.m[out.UserID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(us.m, out.UserID)
		}
	}
	return out, true
}

func (r *Registry) emit(s model.Session, reason string) {
	r.log.Info("session terminated",
		zap.String("session_id", s.SessionID), zap.String("user_id", s.UserID),
		zap.String("device_id", s.DeviceID), zap.String("reason", reason))
	if r.events != nil {
		r.events.Publish(eventbus.SessionTerminated{Session: s, Reason: reason, At: r.conf.Clock()})
	}
}

// Len 当前会话数
func (r *Registry) Len() int {
	n := 0
	for _, ss := range r.sessions {
		ss.mu.RLock()
		n += len(ss.m)
		ss.mu.RUnlock()
	}
	return n
}

// ===== 清理协程 =====

// Run 周期性清理过期会话，阻塞到 ctx 结束
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := len(r.EvictExpired(r.conf.Clock())); n > 0 {
				r.log.Debug("evicted expired sessions", zap.Int("count", n))
			}
		}
	}
}
