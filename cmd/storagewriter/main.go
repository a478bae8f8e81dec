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
	"FlareIM/module/storagewriter"
	"FlareIM/service/metrics"
	"FlareIM/service/rpc"
	"FlareIM/service/storage"
	"FlareIM/tools/retry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "path to flare.yaml")
	flag.Parse()

	b, err := global.Setup(*path, config.NodeTypeStorageNode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "storagewriter:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, b); err != nil {
		b.Log.Error("storage writer exited", zap.Error(err))
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
	streams, err := b.OpenStreams()
	if err != nil {
		return err
	}
	if err := b.Discovery(ctx); err != nil {
		return err
	}

	w := storagewriter.New(storagewriter.Options{
		HotCacheTTL: cfg.Storage.HotCacheTTL,
		DedupWindow: cfg.Seq.IdempotencyWindow,
		Retry: retry.Policy{
			Base:        cfg.Storage.BackoffBase,
			Cap:         cfg.Storage.BackoffCap,
			MaxAttempts: cfg.Storage.MaxAttempts,
			Jitter:      true,
		},
	}, storagewriter.Deps{
		Archive: archive,
		Hot:     storage.NewRedisHotCache(rdb),
		Dedup:   storage.NewRedisOnce(rdb, "flare:once:", cfg.Seq.IdempotencyWindow),
		Streams: streams,
		Events:  b.Bus,
		Metrics: metrics.NewPipeline(b.Metrics, "storage"),
		Log:     logger.Named("storagewriter"),
	})

	srv := rpc.NewServer(logger.Named("rpc"))
	srv.Register(&rpc.StorageServiceDesc, storagewriter.NewService(w))
	if err := b.Advertise(ctx, []string{rpc.StorageServiceName}, nil); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	b.ServeRPC(ctx, g, srv)
	b.ServeHTTP(ctx, g)
	g.Go(func() error { return w.Run(ctx, streams, cfg.ConsumerGroup("storage")) })
	return g.Wait()
}
