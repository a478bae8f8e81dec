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
	"FlareIM/module/pushworker"
	"FlareIM/service/metrics"
	"FlareIM/service/natsx"
	"FlareIM/service/presence"
	"FlareIM/service/rpc"
	"FlareIM/service/storage"
	"FlareIM/tools/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "path to flare.yaml")
	flag.Parse()

	b, err := global.Setup(*path, config.NodeTypePushWorker)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pushworker:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, b); err != nil {
		b.Log.Error("push worker exited", zap.Error(err))
		b.Close()
		os.Exit(1)
	}
	b.Close()
}

func run(ctx context.Context, b *global.Boot) error {
	cfg := b.Cfg

	rdb, err := b.Redis(ctx)
	if err != nil {
		return err
	}
	streams, err := b.OpenStreams()
	if err != nil {
		return err
	}
	if err := b.Discovery(ctx, rpc.GatewayServiceName); err != nil {
		return err
	}

	// 离线通道走 NATS 上的 APNs/FCM 桥；没有 NATS 时客户端靠游标补拉
	var offline pushworker.OfflineProvider
	if cfg.NATS.URL != "" {
		nc, err := b.NATS()
		if err != nil {
			b.Log.Warn("offline push disabled", zap.Error(err))
		} else {
			offline = natsx.NewOfflinePublisher(nc)
		}
	}

	w := pushworker.New(pushworker.Options{
		MaxAttempts: cfg.Push.MaxAttempts,
		Backoff: retry.Policy{
			Base:        cfg.Push.BackoffBase,
			Cap:         cfg.Push.BackoffCap,
			MaxAttempts: cfg.Push.MaxAttempts,
			Jitter:      true,
		},
		RPCTimeout:  cfg.Push.RPCTimeout,
		DedupWindow: cfg.Seq.IdempotencyWindow,
	}, pushworker.Deps{
		Presence: presence.NewDirectory(presence.NewRedisStore(rdb), cfg.PresenceTTL(), b.Bus, logger.Named("presence")),
		Routes:   b.Registry,
		Gateways: pushworker.NewRemoteGateways(b.Clients),
		Offline:  offline,
		Dedup:    storage.NewRedisOnce(rdb, "flare:once:", cfg.Seq.IdempotencyWindow),
		Streams:  streams,
		Metrics:  metrics.NewPipeline(b.Metrics, "pushworker"),
		Log:      logger.Named("pushworker"),
	})

	g, ctx := errgroup.WithContext(ctx)
	b.ServeHTTP(ctx, g)
	g.Go(func() error { return w.Run(ctx, streams, cfg.ConsumerGroup("pushworker")) })
	return g.Wait()
}
