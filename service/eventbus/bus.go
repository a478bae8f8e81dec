package eventbus

import (
	"sync"
	"sync/atomic"

	"FlareIM/logger"
	"FlareIM/tools/safe"

	"go.uber.org/zap"
)

// Forwarder 把本地发布的事件转发到其它节点（NATS 桥）
type Forwarder interface {
	Forward(ev Event)
}

type subscription struct {
	id  uint64
	ch  chan Event // nil 表示同步分发
	fn  func(Event)
	end chan struct{}
}

// Bus 进程内事件总线：按事件名订阅。buffer>0 的订阅者独立 goroutine 消费，
// 满了丢弃并告警，发布方永不阻塞；buffer==0 在发布方 goroutine 同步执行
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*subscription
	nextID  atomic.Uint64
	dropped atomic.Int64
	fwd     atomic.Pointer[forwarderBox]
	log     *zap.Logger
}

type forwarderBox struct{ f Forwarder }

func New(log *zap.Logger) *Bus {
	return &Bus{subs: map[string][]*subscription{}, log: logger.OrDefault(log, "eventbus")}
}

// SetForwarder 设置跨节点转发，nil 取消
func (b *Bus) SetForwarder(f Forwarder) {
	if f == nil {
		b.fwd.Store(nil)
		return
	}
	b.fwd.Store(&forwarderBox{f: f})
}

// Subscribe 返回取消函数
func (b *Bus) Subscribe(name string, buffer int, fn func(Event)) func() {
	s := &subscription{id: b.nextID.Add(1), fn: fn}
	if buffer > 0 {
		s.ch = make(chan Event, buffer)
		s.end = make(chan struct{})
		go b.loop(name, s)
	}
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[name]
			for i, x := range list {
				if x.id == s.id {
					b.subs[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			if s.end != nil {
				close(s.end)
			}
		})
	}
}

func (b *Bus) loop(name string, s *subscription) {
	for {
		select {
		case <-s.end:
			return
		case ev := <-s.ch:
			b.call(name, s, ev)
		}
	}
}

func (b *Bus) call(name string, s *subscription, ev Event) {
	defer safe.Recover("eventbus." + name)
	s.fn(ev)
}

// Publish 本地分发并转发到其它节点
func (b *Bus) Publish(ev Event) {
	b.Deliver(ev)
	if box := b.fwd.Load(); box != nil {
		box.f.Forward(ev)
	}
}

// Deliver 只做本地分发（桥接入站使用，避免回环）
func (b *Bus) Deliver(ev Event) {
	name := ev.EventName()
	b.mu.RLock()
	list := append([]*subscription(nil), b.subs[name]...)
	b.mu.RUnlock()
	for _, s := range list {
		if s.ch == nil {
			b.call(name, s, ev)
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Warn("subscriber queue full, event dropped", zap.String("event", name))
		}
	}
}

// Dropped 因订阅者队列满而丢弃的事件数
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// On 类型化订阅
func On[T Event](b *Bus, buffer int, fn func(T)) func() {
	var zero T
	return b.Subscribe(zero.EventName(), buffer, func(ev Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
}
