package registry

import (
	"context"
	"sync"
)

// Static 进程内注册表：由配置里的静态路由初始化，Register/Deregister 只影响本进程。
// 未接入 nacos 的部署和测试使用
type Static struct {
	mu       sync.Mutex
	services map[string][]Instance
	watchers map[string][]*staticWatcher
	closed   bool
}

// NewStatic services: 服务名 -> 地址列表；gateways: gateway_id -> 地址，
// 后者登记为 GatewayService 实例并带上 gateway_id 元数据
func NewStatic(services map[string][]string, gatewayService string, gateways map[string]string) *Static {
	s := &Static{services: make(map[string][]Instance), watchers: make(map[string][]*staticWatcher)}
	for svc, addrs := range services {
		for _, a := range addrs {
			if inst, ok := InstanceFromEndpoint(svc, "", a, nil); ok {
				s.services[svc] = append(s.services[svc], inst)
			}
		}
	}
	for id, a := range gateways {
		if inst, ok := InstanceFromEndpoint(gatewayService, id, a, map[string]string{MetaGatewayID: id}); ok {
			s.services[gatewayService] = append(s.services[gatewayService], inst)
		}
	}
	return s
}

func (s *Static) Register(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.services[inst.Service]
	for i, it := range list {
		if it.ID == inst.ID {
			list[i] = inst
			s.notify(inst.Service)
			return nil
		}
	}
	s.services[inst.Service] = append(list, inst)
	s.notify(inst.Service)
	return nil
}

func (s *Static) Deregister(_ context.Context, inst Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.services[inst.Service]
	out := list[:0]
	for _, it := range list {
		if it.ID != inst.ID {
			out = append(out, it)
		}
	}
	s.services[inst.Service] = out
	s.notify(inst.Service)
	return nil
}

func (s *Static) List(_ context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(service), nil
}

func (s *Static) snapshot(service string) []Instance {
	out := make([]Instance, len(s.services[service]))
	copy(out, s.services[service])
	return out
}

// notify 调用方持有 s.mu；每个 watcher 只保留最新一份快照
func (s *Static) notify(service string) {
	snap := s.snapshot(service)
	for _, w := range s.watchers[service] {
		select {
		case <-w.ch:
		default:
		}
		w.ch <- snap
	}
}

func (s *Static) Watch(_ context.Context, service string) (Watcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStopped
	}
	w := &staticWatcher{ch: make(chan []Instance, 1), stop: make(chan struct{}), owner: s, service: service}
	s.watchers[service] = append(s.watchers[service], w)
	return w, nil
}

func (s *Static) Close() error {
	s.mu.Lock()
	ws := s.watchers
	s.watchers = map[string][]*staticWatcher{}
	s.closed = true
	s.mu.Unlock()
	for _, list := range ws {
		for _, w := range list {
			w.close()
		}
	}
	return nil
}

type staticWatcher struct {
	ch       chan []Instance
	stop     chan struct{}
	stopOnce sync.Once
	owner    *Static
	service  string
}

func (w *staticWatcher) Next() ([]Instance, error) {
	select {
	case l := <-w.ch:
		return l, nil
	case <-w.stop:
		return nil, ErrStopped
	}
}

func (w *staticWatcher) close() { w.stopOnce.Do(func() { close(w.stop) }) }

func (w *staticWatcher) Stop() error {
	w.owner.mu.Lock()
	list := w.owner.watchers[w.service]
	for i, it := range list {
		if it == w {
			w.owner.watchers[w.service] = append(list[:i], list[i+1:]...)
			break
		}
	}
	w.owner.mu.Unlock()
	w.close()
	return nil
}
