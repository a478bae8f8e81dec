package gateway

import (
	"bufio"
	"net"
	"sync"
	"time"

	"FlareIM/module/gateway/frame"
	"FlareIM/module/im/model"

	"github.com/gorilla/websocket"
)

// transport 一条客户端链路：websocket 或裸 TCP，帧格式相同
type transport interface {
	ReadFrame(max int) (*frame.Frame, error)
	WriteRaw(b []byte) error
	Ping() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
	Kind() string
}

type wsTransport struct{ ws *websocket.Conn }

func (t *wsTransport) ReadFrame(max int) (*frame.Frame, error) {
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage && mt != websocket.TextMessage {
			continue
		}
		return frame.Unmarshal(data, max)
	}
}

func (t *wsTransport) WriteRaw(b []byte) error { return t.ws.WriteMessage(websocket.BinaryMessage, b) }

func (t *wsTransport) Ping() error { return t.ws.WriteMessage(websocket.PingMessage, nil) }

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.ws.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.ws.SetWriteDeadline(d) }

func (t *wsTransport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string { return t.ws.RemoteAddr().String() }
func (t *wsTransport) Kind() string       { return "ws" }

type tcpTransport struct {
	c net.Conn
	r *bufio.Reader
}

func newTCPTransport(c net.Conn) *tcpTransport {
	return &tcpTransport{c: c, r: bufio.NewReaderSize(c, 4096)}
}

func (t *tcpTransport) ReadFrame(max int) (*frame.Frame, error) { return frame.ReadFrom(t.r, max) }

func (t *tcpTransport) WriteRaw(b []byte) error {
	_, err := t.c.Write(b)
	return err
}

// TCP 没有控制帧，靠客户端 PING 保活
func (t *tcpTransport) Ping() error { return nil }

func (t *tcpTransport) SetReadDeadline(d time.Time) error  { return t.c.SetReadDeadline(d) }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.c.SetWriteDeadline(d) }
func (t *tcpTransport) Close() error                       { return t.c.Close() }
func (t *tcpTransport) RemoteAddr() string                 { return t.c.RemoteAddr().String() }
func (t *tcpTransport) Kind() string                       { return "tcp" }

// Conn 一条已接入的连接。读由 serveConn 独占，写只走 send 队列
type Conn struct {
	ID string

	t      transport
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.RWMutex
	sess *model.Session
	// conversation -> 客户端已确认的最大 seq
	hints map[string]int64
}

func newConn(id string, t transport, queue int) *Conn {
	if queue <= 0 {
		queue = 256
	}
	c := &Conn{
		ID:     id,
		t:      t,
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
		hints:  make(map[string]int64),
	}
	return c
}

// Enqueue 非阻塞；队列满返回 false，由调用方按慢消费者处理
func (c *Conn) Enqueue(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// CloseAfterFlush 已排队的帧写完后再关闭；队列满时直接关
func (c *Conn) CloseAfterFlush() {
	if !c.Enqueue(nil) {
		c.Close()
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.t.Close()
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) Session() (model.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		return model.Session{}, false
	}
	return *c.sess, true
}

func (c *Conn) setSession(s model.Session) {
	c.mu.Lock()
	c.sess = &s
	c.mu.Unlock()
}

// Hint 只前进
func (c *Conn) Hint(conversationID string, seq int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.hints[conversationID] {
		c.hints[conversationID] = seq
	}
	return c.hints[conversationID]
}

// writeLoop 唯一的写协程：业务帧优先，空闲时按 pingEvery 发 ping；nil 帧表示写完即关
func (c *Conn) writeLoop(writeWait, pingEvery time.Duration, onErr func(error)) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case b := <-c.send:
			if b == nil {
				return
			}
			_ = c.t.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.t.WriteRaw(b); err != nil {
				onErr(err)
				return
			}
		case <-ticker.C:
			_ = c.t.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.t.Ping(); err != nil {
				onErr(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}
