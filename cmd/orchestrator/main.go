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
	"FlareIM/module/orchestrator"
	"FlareIM/service/metrics"
	"FlareIM/service/presence"
	"FlareIM/service/rpc"
	"FlareIM/service/seq"
	"FlareIM/service/storage"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "path to flare.yaml")
	flag.Parse()

	b, err := global.Setup(*path, config.NodeTypeDataNode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, b); err != nil {
		b.Log.Error("orchestrator exited", zap.Error(err))
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
	mc, err := b.Mongo(ctx)
	if err != nil {
		return err
	}
	archive := storage.NewMongoArchive(mc.DB(), logger.Named("archive"))
	if err := archive.EnsureIndexes(ctx); err != nil {
		return err
	}
	walLog, err := b.WAL(ctx)
	if err != nil {
		return err
	}
	streams, err := b.OpenStreams()
	if err != nil {
		return err
	}
	if err := b.Discovery(ctx); err != nil {
		return err
	}

	tenants := config.NewTenantDirectory(cfg.Orchestrator, cfg.Orchestrator.OpenTenants)
	if cfg.Nacos.Enabled {
		if err := config.WatchTenants(ctx, cfg.Nacos, tenants); err != nil {
			b.Log.Warn("tenant policy watch failed, using defaults", zap.Error(err))
		}
	}

	m := metrics.NewOrchestrator(b.Metrics)
	hooks := &orchestrator.Hooks{}
	dir := presence.NewDirectory(presence.NewRedisStore(rdb), cfg.PresenceTTL(), b.Bus, logger.Named("presence"))
	cursors := storage.NewRedisCursorStore(rdb)
	syncer := storage.NewSyncer(cursors, archive, storage.NewRedisHotCache(rdb))

	orch := orchestrator.New(orchestrator.Options{
		MaxPayloadBytes:   cfg.Orchestrator.MaxPayloadBytes,
		IdempotencyWindow: cfg.Seq.IdempotencyWindow,
		SubmitTimeout:     cfg.Orchestrator.SubmitTimeout,
		PublishTimeout:    cfg.Orchestrator.PublishTimeout,
		RecoveryEvery:     cfg.Orchestrator.RecoveryEvery,
		RecoveryGrace:     cfg.Orchestrator.RecoveryGrace,
		WALRetention:      cfg.Orchestrator.WALRetention,
	}, orchestrator.Deps{
		Tenants:     tenants,
		Senders:     orchestrator.NewPresenceSenders(dir),
		Hooks:       hooks,
		Admission:   orchestrator.NewAdmission(walLog, cfg.Orchestrator.AdmissionHighWater, m, streams),
		Seq:         seq.NewRedisAllocator(rdb, seq.MaxOf(walLog, archive), cfg.Seq.LeaseDuration, logger.Named("seq")),
		Idempotency: seq.NewRedisIdempotency(rdb, cfg.Seq.LeaseDuration),
		WAL:         walLog,
		Streams:     streams,
		Metrics:     m,
		Log:         logger.Named("orchestrator"),
	})
	acks := orchestrator.NewAckProcessor(walLog, cursors, archive, hooks, logger.Named("acks"))

	srv := rpc.NewServer(logger.Named("rpc"))
	srv.Register(&rpc.MessageServiceDesc, orchestrator.NewService(orch, syncer))
	if err := b.Advertise(ctx, []string{rpc.MessageServiceName}, nil); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	b.ServeRPC(ctx, g, srv)
	b.ServeHTTP(ctx, g)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return acks.Run(ctx, streams, cfg.ConsumerGroup("acks")) })
	return g.Wait()
}
