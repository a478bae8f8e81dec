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
	"FlareIM/module/dispatcher"
	"FlareIM/service/metrics"
	"FlareIM/service/presence"
	"FlareIM/service/rpc"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "", "path to flare.yaml")
	flag.Parse()

	b, err := global.Setup(*path, config.NodeTypePushDispatcher)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pushdispatcher:", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, b); err != nil {
		b.Log.Error("push dispatcher exited", zap.Error(err))
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
	members := dispatcher.NewMongoMembers(mc.DB())
	if err := members.EnsureIndexes(ctx); err != nil {
		return err
	}
	streams, err := b.OpenStreams()
	if err != nil {
		return err
	}
	if err := b.Discovery(ctx); err != nil {
		return err
	}

	d, err := dispatcher.New(dispatcher.Options{Workers: cfg.Push.Workers}, dispatcher.Deps{
		Conversations: members,
		Presence:      presence.NewDirectory(presence.NewRedisStore(rdb), cfg.PresenceTTL(), b.Bus, logger.Named("presence")),
		Streams:       streams,
		Events:        b.Bus,
		Metrics:       metrics.NewPipeline(b.Metrics, "dispatcher"),
		Log:           logger.Named("dispatcher"),
	})
	if err != nil {
		return err
	}
	defer d.Close()

	srv := rpc.NewServer(logger.Named("rpc"))
	srv.Register(&rpc.PushServiceDesc, dispatcher.NewService(d))
	if err := b.Advertise(ctx, []string{rpc.PushServiceName}, nil); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	b.ServeRPC(ctx, g, srv)
	b.ServeHTTP(ctx, g)
	g.Go(func() error { return d.Run(ctx, streams, cfg.ConsumerGroup("dispatcher")) })
	return g.Wait()
}
