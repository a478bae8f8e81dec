package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/module/gateway/frame"
	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/service/metrics"
	"FlareIM/service/presence"
	"FlareIM/service/rpc"
	"FlareIM/service/session"
	"FlareIM/service/stream"
	"FlareIM/tools/errs"
	"FlareIM/tools/ids"
	"FlareIM/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// Presence 网关用到的在线目录能力
type Presence interface {
	Upsert(ctx context.Context, rec model.DeviceRecord, ttl time.Duration, policy model.ConflictPolicy) (presence.UpsertResult, error)
	Refresh(ctx context.Context, userID, deviceID, gatewayID string) error
	Remove(ctx context.Context, userID, deviceID string) error
	List(ctx context.Context, userID string) ([]model.DeviceRecord, error)
	BatchOnlineStatus(ctx context.Context, userIDs []string) (map[string]bool, error)
}

// Submitter MESSAGE 帧的去处（编排器）
type Submitter interface {
	Submit(ctx context.Context, req *rpc.SubmitRequest) (*model.SubmitResult, error)
}

// CustomHandler CUSTOM 帧扩展点；返回 nil 帧表示不回复
type CustomHandler interface {
	HandleCustom(ctx context.Context, s model.Session, f *frame.Frame) (*frame.Frame, error)
}

type Tenants interface {
	Resolve(tenantID string) (config.TenantPolicy, bool)
}

type Options struct {
	GatewayID      string
	ServerID       string
	MaxFrameBytes  int
	WriteTimeout   time.Duration
	PingEvery      time.Duration
	SendQueue      int
	MaxConns       int
	HeartbeatTTL   time.Duration
	PresenceTTL    time.Duration
	SubmitTimeout  time.Duration
	DefaultPolicy  model.ConflictPolicy
	Workers        int
	// AllowedOrigins 浏览器握手白名单，空表示不限制
	AllowedOrigins []string
	Clock          func() time.Time
}

func (o *Options) norm() {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = frame.DefaultMaxBytes
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingEvery <= 0 {
		o.PingEvery = 25 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.HeartbeatTTL <= 0 {
		o.HeartbeatTTL = 90 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 5 * time.Second
	}
	if o.DefaultPolicy == "" {
		o.DefaultPolicy = model.PolicyCoexist
	}
	if o.Workers <= 0 {
		o.Workers = 1024
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.ServerID == "" {
		o.ServerID = o.GatewayID
	}
}

// Deps 网关协作方，由 cmd/gateway 组装
type Deps struct {
	Sessions  *session.Registry
	Presence  Presence
	Submitter Submitter
	Acks      stream.Publisher
	Custom    CustomHandler
	Tenants   Tenants
	Events    *eventbus.Bus
	Metrics   *metrics.Gateway
	Auth      security.Options
	Log       *zap.Logger
}

type handlerFunc func(ctx context.Context, c *Conn, f *frame.Frame)

// Server 客户端接入：ws / tcp 两种传输，共用一套帧处理
type Server struct {
	opts Options
	deps Deps
	log  *zap.Logger

	pool     *ants.Pool
	handlers map[frame.Type]handlerFunc

	connsMu sync.RWMutex
	conns   map[string]*Conn

	unsub     []func()
	closeOnce sync.Once
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func New(opts Options, deps Deps) (*Server, error) {
	opts.norm()
	if deps.Sessions == nil || deps.Presence == nil || deps.Submitter == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("gateway requires sessions, presence and submitter")
	}
	if deps.Custom == nil {
		deps.Custom = logCustom{log: logger.OrDefault(deps.Log, "gateway")}
	}
	pool, err := ants.NewPool(opts.Workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(r any) {
		logger.OrDefault(deps.Log, "gateway").Error("frame task panic", zap.Any("panic", r))
	}))
	if err != nil {
		return nil, errs.ErrInternal.WrapMsg("ants pool", "err", err)
	}
	s := &Server{
		opts:  opts,
		deps:  deps,
		log:   logger.OrDefault(deps.Log, "gateway"),
		pool:  pool,
		conns: make(map[string]*Conn),
	}
	s.handlers = map[frame.Type]handlerFunc{
		frame.TypePing:    s.onPing,
		frame.TypeConnect: s.onConnect,
		frame.TypeMessage: s.onMessage,
		frame.TypeAck:     s.async(s.onAck),
		frame.TypeCustom:  s.async(s.onCustom),
	}
	if deps.Events != nil {
		s.unsub = append(s.unsub,
			eventbus.On(deps.Events, 1024, s.onDeviceKicked),
			eventbus.On(deps.Events, 1024, s.onSessionTerminated),
		)
	}
	return s, nil
}

func (s *Server) GatewayID() string { return s.opts.GatewayID }

// HandleWS 升级后整个连接生命周期都在这个 goroutine 里跑读循环
func (s *Server) HandleWS(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("upgrade websocket failed", zap.Error(err))
		return
	}
	// 留出余量让超限帧走到 Unmarshal，回 ERROR 再关
	ws.SetReadLimit(int64(2*s.opts.MaxFrameBytes + frame.HeaderSize))
	s.serveConn(c.Request.Context(), &wsTransport{ws: ws})
}

// Run 在两个监听上接入，ctx 结束时关闭监听并断开所有连接
func (s *Server) Run(ctx context.Context, httpAddr, tcpAddr string, metricsHandler http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	if httpAddr != "" {
		lis, err := s.listen(httpAddr)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: s.Routes(metricsHandler), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			s.log.Info("ws listening", zap.String("addr", lis.Addr().String()))
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	if tcpAddr != "" {
		lis, err := s.listen(tcpAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.ServeTCP(ctx, lis) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

func (s *Server) listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("listen", "addr", addr, "err", err)
	}
	if s.opts.MaxConns > 0 {
		lis = netutil.LimitListener(lis, s.opts.MaxConns)
	}
	return lis, nil
}

// ServeTCP 裸 TCP 接入：同样的长度前缀帧
func (s *Server) ServeTCP(ctx context.Context, lis net.Listener) error {
	s.log.Info("tcp listening", zap.String("addr", lis.Addr().String()))
	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return errs.ErrUnavailable.WrapMsg("tcp accept", "err", err)
		}
		go s.serveConn(ctx, newTCPTransport(nc))
	}
}

func (s *Server) serveConn(ctx context.Context, t transport) {
	c := newConn(ids.GenerateString(), t, s.opts.SendQueue)
	s.addConn(c)
	s.deps.Metrics.ConnOpened()
	go c.writeLoop(s.opts.WriteTimeout, s.opts.PingEvery, func(err error) {
		s.log.Debug("write failed", zap.String("conn_id", c.ID), zap.Error(err))
	})
	defer s.release(c)

	for {
		// 心跳超时即读超时
		_ = t.SetReadDeadline(s.opts.Clock().Add(s.opts.HeartbeatTTL))
		f, err := t.ReadFrame(s.opts.MaxFrameBytes)
		if err != nil {
			if errs.CodeOf(err) == errs.CodeInvalidArgument {
				// 超限或损坏的帧：回 ERROR 后关闭
				s.replyError(c, nil, err)
				c.CloseAfterFlush()
			} else if !c.Closed() {
				s.logReadErr(c, err)
			}
			return
		}
		if c.Closed() {
			return
		}
		s.deps.Metrics.Frame(f.Type.String())
		h, ok := s.handlers[f.Type]
		if !ok {
			s.replyError(c, f, errs.ErrInvalidArgument.WrapMsg("unexpected frame type", "type", f.Type.String()))
			continue
		}
		h(ctx, c, f)
	}
}

func (s *Server) logReadErr(c *Conn, err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Debug("peer closed", zap.String("conn_id", c.ID))
	case errors.As(err, &ne) && ne.Timeout():
		s.log.Info("heartbeat timeout", zap.String("conn_id", c.ID), zap.String("remote", c.t.RemoteAddr()))
	default:
		s.log.Debug("read failed", zap.String("conn_id", c.ID), zap.Error(err))
	}
}

// release 传输断开：解绑但保留会话，heartbeat_ttl 内可重连换绑
func (s *Server) release(c *Conn) {
	c.Close()
	s.connsMu.Lock()
	delete(s.conns, c.ID)
	s.connsMu.Unlock()
	if sess, ok := c.Session(); ok {
		s.deps.Sessions.UnbindConnection(sess.SessionID, c.ID)
	}
	s.deps.Metrics.ConnClosed()
	s.deps.Metrics.SetSessions(s.deps.Sessions.Len())
}

// async ACK / CUSTOM 与消息顺序无关，丢给协程池，读循环不被下游阻塞
func (s *Server) async(h handlerFunc) handlerFunc {
	return func(ctx context.Context, c *Conn, f *frame.Frame) {
		if err := s.pool.Submit(func() { h(ctx, c, f) }); err != nil {
			s.replyError(c, f, errs.ErrResourceExhausted.WrapMsg("gateway busy", "err", err))
		}
	}
}

func (s *Server) addConn(c *Conn) {
	s.connsMu.Lock()
	s.conns[c.ID] = c
	s.connsMu.Unlock()
}

func (s *Server) conn(id string) *Conn {
	if id == "" {
		return nil
	}
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return s.conns[id]
}

func (s *Server) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

// send 写入发送队列；满了按慢消费者断开
func (s *Server) send(c *Conn, f *frame.Frame) bool {
	if f.TS == 0 {
		f.TS = s.opts.Clock().UnixMilli()
	}
	if c.Enqueue(frame.Marshal(f)) {
		return true
	}
	if !c.Closed() {
		s.deps.Metrics.SlowClient()
		s.log.Warn("slow client disconnected", zap.String("conn_id", c.ID))
		c.Close()
	}
	return false
}

func (s *Server) replyError(c *Conn, req *frame.Frame, err error) {
	ce := errs.Convert(err)
	out := &frame.Frame{
		Type:      frame.TypeError,
		Code:      int64(ce.Code),
		Reason:    err.Error(),
		Retryable: errs.IsRetryable(err),
	}
	// 同一 message_id 仍在处理中：客户端可稍后重试
	if req != nil && req.Type == frame.TypeMessage && ce.Code == errs.CodeConflict {
		out.Retryable = true
	}
	if req != nil {
		out.FrameID = req.FrameID
		out.MessageID = req.MessageID
		out.SessionID = req.SessionID
	}
	s.deps.Metrics.FrameError(ce.Msg)
	s.send(c, out)
}

// Close 断开全部连接并释放协程池
func (s *Server) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Server) close() {
	for _, u := range s.unsub {
		u()
	}
	s.connsMu.RLock()
	all := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		all = append(all, c)
	}
	s.connsMu.RUnlock()
	for _, c := range all {
		c.Close()
	}
	s.pool.Release()
}
