package stream

import (
	"context"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"

	"FlareIM/tools/errs"
)

// MemoryBroker 进程内实现：每个主题按 key 分区、各消费组独立位点。
// 用于测试和单机部署
type MemoryBroker struct {
	partitions int

	mu      sync.Mutex
	logs    map[string][][]Record        // topic -> partition -> records
	offsets map[string]map[string][]int  // group -> topic -> partition -> next index
	notify  chan struct{}
	closed  bool

	inflight atomic.Int64
	// FailPublish 非空时 Publish 直接返回该错误（模拟下游故障）
	failPublish atomic.Pointer[error]
}

func NewMemoryBroker(partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = 4
	}
	return &MemoryBroker{
		partitions: partitions,
		logs:       map[string][][]Record{},
		offsets:    map[string]map[string][]int{},
		notify:     make(chan struct{}),
	}
}

func (b *MemoryBroker) partitionOf(key string) int {
	if key == "" {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(b.partitions))
}

// SetPublishError 注入发布错误，nil 恢复
func (b *MemoryBroker) SetPublishError(err error) {
	if err == nil {
		b.failPublish.Store(nil)
		return
	}
	b.failPublish.Store(&err)
}

func (b *MemoryBroker) Publish(ctx context.Context, rec Record) error {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)
	if err := ctx.Err(); err != nil {
		return errs.ErrDeadlineExceeded.WrapMsg(err.Error())
	}
	if p := b.failPublish.Load(); p != nil {
		return *p
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.ErrUnavailable.WrapMsg("broker closed")
	}
	parts, ok := b.logs[rec.Topic]
	if !ok {
		parts = make([][]Record, b.partitions)
	}
	p := b.partitionOf(rec.Key)
	rec.Partition = int32(p)
	rec.Offset = int64(len(parts[p]))
	if rec.Value != nil {
		rec.Value = append([]byte(nil), rec.Value...)
	}
	parts[p] = append(parts[p], rec)
	b.logs[rec.Topic] = parts
	// 唤醒所有等待中的消费者
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) InFlight() int64 { return b.inflight.Load() }

// Records 测试用：某主题的全部记录（按分区依次拼接）
func (b *MemoryBroker) Records(topic string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Record
	for _, p := range b.logs[topic] {
		out = append(out, p...)
	}
	return out
}

// Lag 某消费组在某主题上未消费的条数
func (b *MemoryBroker) Lag(group, topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts := b.logs[topic]
	offs := b.offsets[group][topic]
	n := 0
	for i, p := range parts {
		done := 0
		if i < len(offs) {
			done = offs[i]
		}
		n += len(p) - done
	}
	return n
}

// next 取该组在各主题上的下一条（按主题、分区轮询）
func (b *MemoryBroker) next(group string, topics []string) (Record, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.offsets[group]
	if !ok {
		g = map[string][]int{}
		b.offsets[group] = g
	}
	for _, t := range topics {
		parts := b.logs[t]
		offs := g[t]
		if len(offs) < b.partitions {
			offs = append(offs, make([]int, b.partitions-len(offs))...)
			g[t] = offs
		}
		for p := range parts {
			if offs[p] < len(parts[p]) {
				return parts[p][offs[p]], true, nil
			}
		}
	}
	return Record{}, false, b.notify
}

func (b *MemoryBroker) commit(group string, rec Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	offs := b.offsets[group][rec.Topic]
	if int(rec.Partition) < len(offs) && int64(offs[rec.Partition]) == rec.Offset {
		offs[rec.Partition]++
	}
}

// Poll 同步处理当前已有的全部记录，返回处理条数；测试里替代后台 Consume
func (b *MemoryBroker) Poll(ctx context.Context, group string, topics []string, h Handler) (int, error) {
	n := 0
	for {
		rec, ok, _ := b.next(group, topics)
		if !ok {
			return n, nil
		}
		if err := h(ctx, rec); err != nil {
			return n, err
		}
		b.commit(group, rec)
		n++
	}
}

// Consume 后台消费；处理失败的记录稍后重投
func (b *MemoryBroker) Consume(ctx context.Context, group string, topics []string, h Handler) error {
	for {
		rec, ok, wait := b.next(group, topics)
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
			}
			continue
		}
		if err := h(ctx, rec); err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		b.commit(group, rec)
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
