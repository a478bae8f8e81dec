package rpc

import (
	"context"
	"sync"
	"time"

	"FlareIM/logger"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

type Config struct {
	DialTimeout         time.Duration // 建连超时
	HealthCheckInterval time.Duration // 健康检查间隔
	MaxFailures         int           // 连续失败多少次后丢弃连接，下次使用时重连
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
}

type conn struct {
	cc       *grpc.ClientConn
	failures int
	healthy  bool
}

// Manager 按目标地址缓存连接；后台健康检查，连续失败的连接被关闭并在下次 Conn 时重建
type Manager struct {
	cfg       Config
	log       *zap.Logger
	dial      func(ctx context.Context, target string) (*grpc.ClientConn, error)
	mu        sync.RWMutex
	conns     map[string]*conn
	stopCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewManager(cfg Config, log *zap.Logger) *Manager {
	cfg.defaults()
	m := &Manager{
		cfg:    cfg,
		log:    logger.OrDefault(log, "rpc.client"),
		conns:  make(map[string]*conn),
		stopCh: make(chan struct{}),
	}
	m.dial = m.defaultDial
	return m
}

// WithDialer 测试用：替换拨号（如 bufconn）
func (m *Manager) WithDialer(d func(ctx context.Context, target string) (*grpc.ClientConn, error)) *Manager {
	m.dial = d
	return m
}

func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.healthLoop()
	})
}

func (m *Manager) defaultDial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 30 * time.Second, Timeout: 10 * time.Second, PermitWithoutStream: true}),
	)
}

// Conn 取（或建立）到 target 的连接
func (m *Manager) Conn(ctx context.Context, target string) (*grpc.ClientConn, error) {
	if target == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("rpc: empty target")
	}
	m.mu.RLock()
	c, ok := m.conns[target]
	m.mu.RUnlock()
	if ok {
		return c.cc, nil
	}

	cc, err := m.dial(ctx, target)
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("rpc dial", "target", target, "err", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		_ = cc.Close()
		return nil, errs.ErrUnavailable.WrapMsg("rpc manager stopped")
	default:
	}
	if exist, ok := m.conns[target]; ok {
		// 并发拨号，保留先到的
		_ = cc.Close()
		return exist.cc, nil
	}
	m.conns[target] = &conn{cc: cc, healthy: true}
	m.log.Info("rpc connected", zap.String("target", target))
	return cc, nil
}

// Healthy 最近一次健康检查结果；未知目标为 false
func (m *Manager) Healthy(target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[target]
	return ok && c.healthy
}

// Drop 调用方发现目标不可用时主动丢弃
func (m *Manager) Drop(target string) {
	m.mu.Lock()
	c, ok := m.conns[target]
	delete(m.conns, target)
	m.mu.Unlock()
	if ok {
		_ = c.cc.Close()
	}
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.RLock()
	targets := make(map[string]*grpc.ClientConn, len(m.conns))
	for t, c := range m.conns {
		targets[t] = c.cc
	}
	m.mu.RUnlock()

	for target, cc := range targets {
		ok := check(cc)
		m.mu.Lock()
		c, exist := m.conns[target]
		if !exist || c.cc != cc {
			m.mu.Unlock()
			continue
		}
		c.healthy = ok
		if ok {
			c.failures = 0
			m.mu.Unlock()
			continue
		}
		c.failures++
		drop := c.failures >= m.cfg.MaxFailures
		if drop {
			delete(m.conns, target)
		}
		m.mu.Unlock()
		if drop {
			m.log.Warn("rpc health check failed, dropping connection", zap.String("target", target))
			_ = cc.Close()
		}
	}
}

func check(cc *grpc.ClientConn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(cc).Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	return err == nil && resp.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for t, c := range m.conns {
			_ = c.cc.Close()
			delete(m.conns, t)
		}
		m.mu.Unlock()
	})
}

// ===== 强类型客户端 =====

func (m *Manager) Gateway(ctx context.Context, target string) (*GatewayClient, error) {
	cc, err := m.Conn(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewGatewayClient(cc), nil
}

func (m *Manager) Message(ctx context.Context, target string) (*MessageClient, error) {
	cc, err := m.Conn(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewMessageClient(cc), nil
}

func (m *Manager) Session(ctx context.Context, target string) (*SessionClient, error) {
	cc, err := m.Conn(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewSessionClient(cc), nil
}

func (m *Manager) Storage(ctx context.Context, target string) (*StorageClient, error) {
	cc, err := m.Conn(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewStorageClient(cc), nil
}

func (m *Manager) Push(ctx context.Context, target string) (*PushClient, error) {
	cc, err := m.Conn(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewPushClient(cc), nil
}

func (m *Manager) Routing(ctx context.Context, target string) (*RoutingClient, error) {
	cc, err := m.Conn(ctx, target)
	if err != nil {
		return nil, err
	}
	return NewRoutingClient(cc), nil
}
