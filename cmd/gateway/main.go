package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"FlareIM/global"
	"FlareIM/global/config"
	"FlareIM/logger"
	"FlareIM/module/gateway"
	"FlareIM/module/im/model"
	"FlareIM/service/metrics"
	"FlareIM/service/presence"
	"FlareIM/service/registry"
	"FlareIM/service/rpc"
	"FlareIM/service/session"
	"FlareIM/tools/security"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "path to flare.yaml")
	flag.Parse()

	b, err := global.Setup(*path, config.NodeTypeMsgGateWay)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, b); err != nil {
		b.Log.Error("gateway exited", zap.Error(err))
		b.Close()
		os.Exit(1)
	}
	b.Close()
}

func run(ctx context.Context, b *global.Boot) error {
	cfg := b.Cfg
	b.Bridge()

	rdb, err := b.Redis(ctx)
	if err != nil {
		return err
	}
	dir := presence.NewDirectory(presence.NewRedisStore(rdb), cfg.PresenceTTL(), b.Bus, logger.Named("presence"))
	unwatch := dir.Watch(b.Bus)
	defer unwatch()

	streams, err := b.OpenStreams()
	if err != nil {
		return err
	}
	if err := b.Discovery(ctx, rpc.MessageServiceName); err != nil {
		return err
	}

	tenants := config.NewTenantDirectory(cfg.Orchestrator, cfg.Orchestrator.OpenTenants)
	if cfg.Nacos.Enabled {
		if err := config.WatchTenants(ctx, cfg.Nacos, tenants); err != nil {
			b.Log.Warn("tenant policy watch failed, using defaults", zap.Error(err))
		}
	}

	sessions := session.NewRegistry(session.Conf{
		GatewayID:    cfg.NodeID,
		HeartbeatTTL: cfg.Session.HeartbeatTTL,
		SweepEvery:   cfg.Session.SweepEvery,
		Shards:       cfg.Session.Shards,
	}, b.Bus, logger.Named("session"))

	gw, err := gateway.New(gateway.Options{
		GatewayID:      cfg.NodeID,
		MaxFrameBytes:  cfg.Session.MaxFrameBytes,
		WriteTimeout:   cfg.Session.WriteTimeout,
		SendQueue:      cfg.Session.SendQueue,
		MaxConns:       cfg.Session.MaxConns,
		HeartbeatTTL:   cfg.Session.HeartbeatTTL,
		PresenceTTL:    cfg.PresenceTTL(),
		SubmitTimeout:  cfg.Orchestrator.SubmitTimeout,
		DefaultPolicy:  model.ParsePolicy(cfg.Presence.DefaultPolicy),
		AllowedOrigins: cfg.Session.AllowedOrigins,
	}, gateway.Deps{
		Sessions:  sessions,
		Presence:  dir,
		Submitter: gateway.NewRemoteSubmitter(b.Registry, b.Clients),
		Acks:      streams,
		Tenants:   tenants,
		Events:    b.Bus,
		Metrics:   metrics.NewGateway(b.Metrics),
		Auth:      security.Options{Secret: []byte(cfg.JWT.Secret), Alg: cfg.JWT.Alg},
		Log:       logger.Named("gateway"),
	})
	if err != nil {
		return err
	}

	srv := rpc.NewServer(logger.Named("rpc"))
	srv.Register(&rpc.GatewayServiceDesc, gw)
	srv.Register(&rpc.SessionServiceDesc, gw)
	if err := b.Advertise(ctx, []string{rpc.GatewayServiceName, rpc.SessionServiceName},
		map[string]string{registry.MetaGatewayID: cfg.NodeID}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	b.ServeRPC(ctx, g, srv)
	g.Go(func() error { return sessions.Run(ctx) })
	g.Go(func() error { return gw.Run(ctx, cfg.HTTPAddr, cfg.TCPAddr, metrics.Handler(b.Metrics)) })
	return g.Wait()
}
