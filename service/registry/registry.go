package registry

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
)

// 实例元数据约定的 key
const (
	MetaWeight    = "weight"
	MetaGatewayID = "gateway_id"
	MetaZone      = "zone"
	MetaNodeType  = "node_type"
)

type Instance struct {
	Service  string
	ID       string
	Address  string
	Port     int
	Metadata map[string]string // zone/weight/gateway_id/node_type
}

// Endpoint host:port，直接交给 grpc 拨号
func (i Instance) Endpoint() string {
	return net.JoinHostPort(i.Address, strconv.Itoa(i.Port))
}

// InstanceFromEndpoint "host:port" -> Instance；端口非法时返回 false
func InstanceFromEndpoint(service, id, endpoint string, meta map[string]string) (Instance, bool) {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return Instance{}, false
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return Instance{}, false
	}
	if id == "" {
		id = endpoint
	}
	return Instance{Service: service, ID: id, Address: host, Port: p, Metadata: meta}, true
}

type Registry interface {
	Register(ctx context.Context, inst Instance) error
	Deregister(ctx context.Context, inst Instance) error
	List(ctx context.Context, service string) ([]Instance, error)
	Watch(ctx context.Context, service string) (Watcher, error)
	Close() error
}

type Watcher interface {
	Next() ([]Instance, error) // 阻塞直到更新（或错误/停止）
	Stop() error
}

var ErrStopped = errors.New("watcher stopped")

// ---------------- 平滑加权轮询（SWRR） ----------------

type swItem struct {
	inst    Instance
	weight  int
	current int
}

type SWRR struct {
	mu   sync.Mutex
	list []*swItem
}

func NewSWRR() *SWRR { return &SWRR{} }

func parseWeight(meta map[string]string) int {
	n, err := strconv.Atoi(meta[MetaWeight])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

// Update 替换实例列表；仍在列表中的实例保留当前权重，避免每次推送都重置轮转
func (b *SWRR) Update(insts []Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := make(map[string]int, len(b.list))
	for _, it := range b.list {
		prev[it.inst.ID] = it.current
	}
	list := make([]*swItem, 0, len(insts))
	for _, in := range insts {
		list = append(list, &swItem{inst: in, weight: parseWeight(in.Metadata), current: prev[in.ID]})
	}
	b.list = list
}

func (b *SWRR) Next() (Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.list) == 0 {
		return Instance{}, false
	}
	var total int
	var best *swItem
	for _, it := range b.list {
		it.current += it.weight
		total += it.weight
		if best == nil || it.current > best.current {
			best = it
		}
	}
	best.current -= total
	return best.inst, true
}
