package ids

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"
)

// 41 位毫秒 | 10 位节点 | 12 位序号；连接 ID 这类进程内短命 ID 用它
const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

var snowEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Snowflake struct {
	mu     sync.Mutex
	now    func() time.Time
	node   int64
	seq    int64
	lastMS int64
}

// NewSnowflake node 越界按 node%1024 处理
func NewSnowflake(node int64, now func() time.Time) *Snowflake {
	if now == nil {
		now = time.Now
	}
	if node < 0 {
		node = -node
	}
	return &Snowflake{node: node & maxNode, now: now}
}

func (g *Snowflake) sinceEpoch() int64 { return g.now().Sub(snowEpoch).Milliseconds() }

func (g *Snowflake) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.sinceEpoch()
	if ms < g.lastMS {
		// 时钟回拨：沿用上一毫秒继续发号，不阻塞调用方
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// 本毫秒号段用完，借下一毫秒
			ms++
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	return (ms&tsMask)<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}

// Decompose 排查用：拆出时间、节点、序号
func Decompose(id int64) (at time.Time, node, seq int64) {
	ms := id >> (nodeBits + seqBits)
	return snowEpoch.Add(time.Duration(ms) * time.Millisecond), (id >> seqBits) & maxNode, id & seqMask
}

// NodeIDFrom 由节点名散列出 10 位节点号
func NodeIDFrom(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)) % (maxNode + 1))
}

var (
	defMu  sync.RWMutex
	defGen = NewSnowflake(1, nil)
)

// SetNodeID 进程启动时调用一次
func SetNodeID(node int64) {
	defMu.Lock()
	defer defMu.Unlock()
	defGen = NewSnowflake(node, nil)
}

func Generate() int64 {
	defMu.RLock()
	g := defGen
	defMu.RUnlock()
	return g.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}
