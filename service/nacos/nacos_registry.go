package nacos

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/model"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"

	"FlareIM/logger"
	"FlareIM/service/registry"
	"FlareIM/tools/errs"
)

const defaultGroup = "DEFAULT_GROUP"

// Registry 基于 nacos naming 的服务注册发现，实例均为临时实例（心跳保活）
type Registry struct {
	client naming_client.INamingClient
	group  string
	log    *zap.Logger

	mu   sync.Mutex
	subs []*vo.SubscribeParam
}

func NewRegistry(client naming_client.INamingClient, group string, log *zap.Logger) *Registry {
	if group == "" {
		group = defaultGroup
	}
	return &Registry{client: client, group: group, log: logger.OrDefault(log, "nacos")}
}

func (r *Registry) Register(_ context.Context, inst registry.Instance) error {
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          inst.Address,
		Port:        uint64(inst.Port),
		ServiceName: inst.Service,
		GroupName:   r.group,
		Weight:      float64(weightOf(inst.Metadata)),
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    withID(inst),
	})
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("nacos register", "service", inst.Service, "err", err)
	}
	if !ok {
		return errs.ErrUnavailable.WrapMsg("nacos register returned false", "service", inst.Service)
	}
	r.log.Info("registered", zap.String("service", inst.Service), zap.String("endpoint", inst.Endpoint()))
	return nil
}

func (r *Registry) Deregister(_ context.Context, inst registry.Instance) error {
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          inst.Address,
		Port:        uint64(inst.Port),
		ServiceName: inst.Service,
		GroupName:   r.group,
		Ephemeral:   true,
	})
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("nacos deregister", "service", inst.Service, "err", err)
	}
	return nil
}

func (r *Registry) List(_ context.Context, service string) ([]registry.Instance, error) {
	list, err := r.client.SelectInstances(vo.SelectInstancesParam{
		ServiceName: service,
		GroupName:   r.group,
		HealthyOnly: true,
	})
	if err != nil {
		// sdk 在没有健康实例时返回 error
		if strings.Contains(err.Error(), "empty") {
			return nil, nil
		}
		return nil, errs.ErrUnavailable.WrapMsg("nacos select", "service", service, "err", err)
	}
	return convert(service, list), nil
}

func (r *Registry) Watch(_ context.Context, service string) (registry.Watcher, error) {
	w := &watcher{ch: make(chan []registry.Instance, 1), stop: make(chan struct{}), owner: r}
	w.param = &vo.SubscribeParam{
		ServiceName: service,
		GroupName:   r.group,
		SubscribeCallback: func(services []model.Instance, err error) {
			if err != nil {
				r.log.Warn("subscribe callback", zap.String("service", service), zap.Error(err))
				return
			}
			w.push(convert(service, services))
		},
	}
	if err := r.client.Subscribe(w.param); err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("nacos subscribe", "service", service, "err", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, w.param)
	r.mu.Unlock()
	return w, nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, p := range subs {
		_ = r.client.Unsubscribe(p)
	}
	r.client.CloseClient()
	return nil
}

type watcher struct {
	ch       chan []registry.Instance
	stop     chan struct{}
	stopOnce sync.Once
	param    *vo.SubscribeParam
	owner    *Registry
}

// push 只保留最新快照
func (w *watcher) push(list []registry.Instance) {
	select {
	case <-w.stop:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- list:
	default:
	}
}

func (w *watcher) Next() ([]registry.Instance, error) {
	select {
	case l := <-w.ch:
		return l, nil
	case <-w.stop:
		return nil, registry.ErrStopped
	}
}

func (w *watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stop)
		_ = w.owner.client.Unsubscribe(w.param)
	})
	return nil
}

func convert(service string, list []model.Instance) []registry.Instance {
	out := make([]registry.Instance, 0, len(list))
	for _, in := range list {
		if !in.Enable || !in.Healthy {
			continue
		}
		meta := make(map[string]string, len(in.Metadata)+1)
		for k, v := range in.Metadata {
			meta[k] = v
		}
		if _, ok := meta[registry.MetaWeight]; !ok && in.Weight > 0 {
			meta[registry.MetaWeight] = strconv.Itoa(int(in.Weight))
		}
		id := meta["instance_id"]
		if id == "" {
			id = in.InstanceId
		}
		out = append(out, registry.Instance{Service: service, ID: id, Address: in.Ip, Port: int(in.Port), Metadata: meta})
	}
	return out
}

func weightOf(meta map[string]string) int {
	n, err := strconv.Atoi(meta[registry.MetaWeight])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func withID(inst registry.Instance) map[string]string {
	meta := make(map[string]string, len(inst.Metadata)+2)
	for k, v := range inst.Metadata {
		meta[k] = v
	}
	meta["instance_id"] = inst.ID
	meta["protocol"] = "grpc"
	return meta
}
