package registry

import (
	"context"
	"sync"
	"time"

	"FlareIM/logger"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
)

type Filter struct {
	Zone    string
	Require map[string]string // 元数据精确匹配
}

type serviceState struct {
	mu       sync.RWMutex
	all      []Instance
	lb       *SWRR
	cancel   context.CancelFunc
	watching bool
}

// ServiceManager 本地服务视图：List 初始化 + Watch 增量，周期全量兜底；Pick 走 SWRR
type ServiceManager struct {
	reg        Registry
	log        *zap.Logger
	statesMu   sync.Mutex
	states     map[string]*serviceState
	refreshTTL time.Duration
}

func New(reg Registry, refreshTTL time.Duration, log *zap.Logger) *ServiceManager {
	if refreshTTL <= 0 {
		refreshTTL = 30 * time.Second
	}
	return &ServiceManager{
		reg:        reg,
		log:        logger.OrDefault(log, "registry"),
		states:     make(map[string]*serviceState),
		refreshTTL: refreshTTL,
	}
}

func (m *ServiceManager) ensure(service string) *serviceState {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	s, ok := m.states[service]
	if !ok {
		s = &serviceState{lb: NewSWRR()}
		m.states[service] = s
	}
	return s
}

func (m *ServiceManager) StartWatch(ctx context.Context, service string) error {
	st := m.ensure(service)

	st.mu.Lock()
	if st.watching {
		st.mu.Unlock()
		return nil
	}
	wctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.watching = true
	st.mu.Unlock()

	// 初次列表
	list, err := m.reg.List(ctx, service)
	if err != nil {
		m.log.Warn("initial list failed", zap.String("service", service), zap.Error(err))
	} else {
		m.apply(service, list)
	}

	w, err := m.reg.Watch(wctx, service)
	if err != nil {
		cancel()
		st.mu.Lock()
		st.watching = false
		st.mu.Unlock()
		return errs.ErrUnavailable.WrapMsg("registry watch", "service", service, "err", err)
	}
	go func() {
		<-wctx.Done()
		_ = w.Stop()
	}()
	go m.watchLoop(wctx, service, w)
	return nil
}

func (m *ServiceManager) watchLoop(ctx context.Context, service string, w Watcher) {
	tk := time.NewTicker(m.refreshTTL)
	defer tk.Stop()
	for {
		upd, err := w.Next()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if err == ErrStopped {
				return
			}
			m.log.Warn("watch next failed", zap.String("service", service), zap.Error(err))
			// 兜底：周期性全量刷新
			select {
			case <-tk.C:
				if lst, e := m.reg.List(ctx, service); e == nil {
					m.apply(service, lst)
				}
			case <-ctx.Done():
				return
			}
			continue
		}
		m.apply(service, upd)
	}
}

func (m *ServiceManager) apply(service string, list []Instance) {
	st := m.ensure(service)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.all = list
	st.lb.Update(list)
	m.log.Debug("service updated", zap.String("service", service), zap.Int("instances", len(list)))
}

func (m *ServiceManager) All(service string) []Instance {
	st := m.ensure(service)
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Instance, len(st.all))
	copy(out, st.all)
	return out
}

func (m *ServiceManager) Pick(service string, f *Filter) (Instance, bool) {
	// 无过滤条件：直接用该服务的 SWRR
	if f == nil || (f.Zone == "" && len(f.Require) == 0) {
		return m.ensure(service).lb.Next()
	}
	// 有过滤：先筛选再临时 SWRR
	all := m.All(service)
	pool := make([]Instance, 0, len(all))
	for _, it := range all {
		if f.Zone != "" && it.Metadata[MetaZone] != f.Zone {
			continue
		}
		ok := true
		for k, v := range f.Require {
			if it.Metadata[k] != v {
				ok = false
				break
			}
		}
		if ok {
			pool = append(pool, it)
		}
	}
	if len(pool) == 0 {
		return Instance{}, false
	}
	tmp := NewSWRR()
	tmp.Update(pool)
	return tmp.Next()
}

// Resolve 服务名 -> 端点；gatewayID 非空时精确匹配该网关实例
func (m *ServiceManager) Resolve(service, gatewayID string) (string, error) {
	var f *Filter
	if gatewayID != "" {
		f = &Filter{Require: map[string]string{MetaGatewayID: gatewayID}}
	}
	inst, ok := m.Pick(service, f)
	if !ok {
		return "", errs.ErrUnavailable.WrapMsg("no instance", "service", service, "gateway_id", gatewayID)
	}
	return inst.Endpoint(), nil
}

func (m *ServiceManager) RegisterSelf(ctx context.Context, inst Instance) error {
	return m.reg.Register(ctx, inst)
}

func (m *ServiceManager) DeregisterSelf(ctx context.Context, inst Instance) error {
	return m.reg.Deregister(ctx, inst)
}

func (m *ServiceManager) Close() error {
	m.statesMu.Lock()
	for _, st := range m.states {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		st.watching = false
		st.mu.Unlock()
	}
	m.statesMu.Unlock()
	return m.reg.Close()
}

// BootBlocking 注册自身并等待依赖服务至少出现一个实例
func (m *ServiceManager) BootBlocking(ctx context.Context, self *Instance, deps []string, wait time.Duration) error {
	if self != nil {
		if err := m.RegisterSelf(ctx, *self); err != nil {
			return err
		}
	}
	for _, svc := range deps {
		if err := m.StartWatch(ctx, svc); err != nil {
			return err
		}
	}
	deadline := time.Now().Add(wait)
	for _, svc := range deps {
		for len(m.All(svc)) == 0 {
			if time.Now().After(deadline) {
				// 依赖暂未就绪不阻止启动，调用时会得到 Unavailable
				m.log.Warn("dependency has no instance yet", zap.String("service", svc))
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	return nil
}
