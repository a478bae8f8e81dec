package global

import (
	"context"
	"errors"
	"net/http"
	"time"

	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/middleware"
	"FlareIM/service/eventbus"
	"FlareIM/service/kafka"
	"FlareIM/service/metrics"
	"FlareIM/service/mgo"
	"FlareIM/service/nacos"
	"FlareIM/service/natsx"
	"FlareIM/service/registry"
	"FlareIM/service/rpc"
	redisx "FlareIM/service/storage/redis"
	"FlareIM/service/stream"
	"FlareIM/service/wal"
	"FlareIM/tools/errs"
	"FlareIM/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Boot 进程公共资源；各角色的 main 按需打开，Close 逆序释放
type Boot struct {
	Cfg      config.Config
	Log      *zap.Logger
	Bus      *eventbus.Bus
	Metrics  *prometheus.Registry
	Streams  stream.Broker
	Registry *registry.ServiceManager
	Clients  *rpc.Manager

	nats    *natsx.Client
	self    []registry.Instance
	closers []func()
}

// Setup 读配置、初始化日志与 ID 生成器
func Setup(path, nodeType string) (*Boot, error) {
	cfg, err := config.LoadAs(path, nodeType)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat, cfg.NodeID); err != nil {
		return nil, err
	}
	ids.SetNodeID(ids.NodeIDFrom(cfg.NodeID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	b := &Boot{
		Cfg:     cfg,
		Log:     logger.Log,
		Bus:     eventbus.New(logger.Named("eventbus")),
		Metrics: reg,
	}
	b.Log.Info("boot", zap.String("node_type", cfg.NodeType), zap.String("node_id", cfg.NodeID),
		zap.String("stream_driver", cfg.StreamDriver))
	return b, nil
}

func (b *Boot) onClose(f func()) { b.closers = append(b.closers, f) }

// Close 逆序释放
func (b *Boot) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
	_ = b.Log.Sync()
}

// NATS 进程内共享一条连接；首次调用时同时挂上跨节点事件桥
func (b *Boot) NATS() (*natsx.Client, error) {
	if b.nats != nil {
		return b.nats, nil
	}
	c, err := natsx.Connect(b.Cfg.NATS, logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	br, err := natsx.NewEventBridge(c, b.Bus, b.Cfg.NodeID)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	b.nats = c
	b.onClose(func() {
		_ = br.Close()
		_ = c.Close()
	})
	return c, nil
}

// OpenStreams 按 stream_driver 选 kafka 或 JetStream
func (b *Boot) OpenStreams() (stream.Broker, error) {
	var (
		br  stream.Broker
		err error
	)
	switch b.Cfg.StreamDriver {
	case config.StreamDriverNATS:
		c, cerr := b.NATS()
		if cerr != nil {
			return nil, cerr
		}
		var nb *natsx.Broker
		if nb, err = natsx.NewBroker(c); err == nil {
			br = nb.WithDedup(natsx.NewMemIdem(10*time.Minute), 10*time.Minute)
		}
	default:
		br, err = kafka.NewBroker(b.Cfg.Kafka, b.Cfg.NodeID, logger.Named("kafka"))
	}
	if err != nil {
		return nil, err
	}
	b.Streams = br
	b.onClose(func() { _ = br.Close() })
	return br, nil
}

// Bridge 事件桥是尽力而为：kafka 部署没有 NATS 时只在本节点内分发
func (b *Boot) Bridge() {
	if b.Cfg.NATS.URL == "" {
		return
	}
	if _, err := b.NATS(); err != nil {
		b.Log.Warn("event bridge disabled", zap.Error(err))
	}
}

func (b *Boot) Redis(ctx context.Context) (redis.UniversalClient, error) {
	rdb, err := redisx.NewClient(ctx, b.Cfg.Redis)
	if err != nil {
		return nil, err
	}
	b.onClose(func() { _ = rdb.Close() })
	return rdb, nil
}

func (b *Boot) Mongo(ctx context.Context) (*mgo.Client, error) {
	cli, err := mgo.Connect(ctx, b.Cfg.Mongo, logger.Named("mongo"))
	if err != nil {
		return nil, err
	}
	b.onClose(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cli.Close(cctx)
	})
	return cli, nil
}

// WAL 打开 Postgres 并迁移表结构
func (b *Boot) WAL(ctx context.Context) (*wal.PGLog, error) {
	l, err := wal.Open(ctx, b.Cfg.Postgres, logger.Named("wal"))
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close()
		return nil, err
	}
	b.onClose(l.Close)
	return l, nil
}

// Discovery nacos 开启时走 nacos，否则用配置里的静态路由；deps 是本节点要调用的服务
func (b *Boot) Discovery(ctx context.Context, deps ...string) error {
	var reg registry.Registry
	if b.Cfg.Nacos.Enabled {
		cli, err := nacos.NewNamingClient(nacos.Options{
			Host:      b.Cfg.Nacos.Host,
			Port:      b.Cfg.Nacos.Port,
			Namespace: b.Cfg.Nacos.Namespace,
			Username:  b.Cfg.Nacos.Username,
			Password:  b.Cfg.Nacos.Password,
		})
		if err != nil {
			return err
		}
		reg = nacos.NewRegistry(cli, b.Cfg.Nacos.Group, logger.Named("nacos"))
	} else {
		reg = registry.NewStatic(b.Cfg.Routes.Services, rpc.GatewayServiceName, b.Cfg.Routes.Gateways)
	}
	b.Registry = registry.New(reg, 0, logger.Named("registry"))
	b.Clients = rpc.NewManager(rpc.Config{}, logger.Named("rpc.client"))
	b.Clients.Start()
	b.onClose(func() {
		b.Clients.Stop()
		_ = b.Registry.Close()
	})
	return b.Registry.BootBlocking(ctx, nil, deps, 5*time.Second)
}

// Advertise 把本节点提供的 gRPC 服务登记到注册中心；extra 作为实例元数据
func (b *Boot) Advertise(ctx context.Context, services []string, extra map[string]string) error {
	for _, svc := range services {
		meta := map[string]string{registry.MetaNodeType: b.Cfg.NodeType}
		for k, v := range extra {
			meta[k] = v
		}
		inst, ok := registry.InstanceFromEndpoint(svc, b.Cfg.NodeID, b.Cfg.AdvertiseAddr, meta)
		if !ok {
			return errs.ErrInvalidArgument.WrapMsg("bad advertise_addr", "addr", b.Cfg.AdvertiseAddr)
		}
		if err := b.Registry.RegisterSelf(ctx, inst); err != nil {
			return err
		}
		b.self = append(b.self, inst)
	}
	return nil
}

// ServeRPC gRPC 服务随 errgroup 退出；退出前先从注册中心摘掉自己
func (b *Boot) ServeRPC(ctx context.Context, g *errgroup.Group, srv *rpc.Server) {
	if b.Registry != nil {
		srv.Register(&rpc.RoutingServiceDesc, rpc.NewRoutingService(b.Registry))
	}
	g.Go(func() error { return srv.Serve(ctx, b.Cfg.GRPCAddr) })
	g.Go(func() error {
		<-ctx.Done()
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for _, inst := range b.self {
			if err := b.Registry.DeregisterSelf(dctx, inst); err != nil {
				b.Log.Warn("deregister", zap.String("service", inst.Service), zap.Error(err))
			}
		}
		return nil
	})
}

// ServeHTTP 非网关节点的运维端口：/healthz /metrics
func (b *Boot) ServeHTTP(ctx context.Context, g *errgroup.Group) {
	if b.Cfg.HTTPAddr == "" {
		return
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(logger.Named("http")))
	r.Use(middleware.NewManager(middleware.RequestID()).Use())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node_id": b.Cfg.NodeID, "node_type": b.Cfg.NodeType})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler(b.Metrics)))
	r.Any("/loglevel", gin.WrapH(logger.LevelHandler()))
	srv := &http.Server{Addr: b.Cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		b.Log.Info("http listening", zap.String("addr", b.Cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
