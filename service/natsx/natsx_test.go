package natsx

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"FlareIM/global/config"
	"FlareIM/service/eventbus"
	"FlareIM/service/stream"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func TestMemIdemWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	mi := NewMemIdem(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()
	if seen, _ := mi.SeenOnce(ctx, "k", 0); seen {
		t.Fatalf("first sight must be new")
	}
	if seen, _ := mi.SeenOnce(ctx, "k", 0); !seen {
		t.Fatalf("second sight within window must be seen")
	}
	now = now.Add(time.Minute)
	if seen, _ := mi.SeenOnce(ctx, "k", 0); seen {
		t.Fatalf("expired key must be new again")
	}
}

func TestIdemMiddlewareForgetsOnFailure(t *testing.T) {
	mi := NewMemIdem(time.Minute)
	calls := 0
	fail := true
	h := Chain(func(context.Context, stream.Record) error {
		calls++
		if fail {
			return errors.New("boom")
		}
		return nil
	}, IdemMiddleware(mi, time.Minute, "g1"))

	rec := stream.Record{Topic: stream.TopicPushAcks, ID: "id-1"}
	if err := h(context.Background(), rec); err == nil {
		t.Fatalf("expected failure")
	}
	fail = false
	_ = h(context.Background(), rec)
	_ = h(context.Background(), rec)
	if calls != 2 {
		t.Fatalf("failed record must be retried once then deduped, calls=%d", calls)
	}

	// 其它消费组、无 ID 的记录不受影响
	other := Chain(func(context.Context, stream.Record) error { calls++; return nil }, IdemMiddleware(mi, time.Minute, "g2"))
	_ = other(context.Background(), rec)
	_ = h(context.Background(), stream.Record{Topic: stream.TopicPushAcks})
	_ = h(context.Background(), stream.Record{Topic: stream.TopicPushAcks})
	if calls != 5 {
		t.Fatalf("calls=%d want 5", calls)
	}
}

func TestDurableName(t *testing.T) {
	if got := durableName("flare-im-pushworker", stream.TopicPushDeliveries); got != "flare-im-pushworker__flare_im_push_deliveries" {
		t.Fatalf("unexpected durable %q", got)
	}
}

func TestFromMsgLiftsHeaders(t *testing.T) {
	m := nats.NewMsg("flare.im.push.acks")
	m.Data = []byte("x")
	m.Header.Set(HeaderKey, "m1")
	m.Header.Set(nats.MsgIdHdr, "id")
	m.Header.Set("trace", "t1")
	rec := fromMsg(m)
	if rec.Key != "m1" || rec.ID != "id" || rec.Headers["trace"] != "t1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestOfflineSubject(t *testing.T) {
	if offlineSubject("iOS") != "flare.im.offline.ios" || offlineSubject("") != "flare.im.offline.default" {
		t.Fatalf("unexpected subjects")
	}
}

// 需要本地 nats-server -js：FLARE_TEST_NATS=nats://127.0.0.1:4222
func TestJetStreamBrokerAndBridge(t *testing.T) {
	url := os.Getenv("FLARE_TEST_NATS")
	if url == "" {
		t.Skip("FLARE_TEST_NATS not set")
	}
	cfg := config.NATSConfig{URL: url, Name: "flare-test", Stream: "FLARE_IM_TEST"}
	c, err := Connect(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	b, err := NewBroker(c)
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id := time.Now().Format(time.RFC3339Nano)
	if err := b.Publish(ctx, stream.Record{Topic: stream.TopicClientAcks, Key: "m", ID: id, Value: []byte("v")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := make(chan stream.Record, 1)
	go func() {
		_ = b.Consume(ctx, "test-"+time.Now().Format("150405.000"), []string{stream.TopicClientAcks}, func(_ context.Context, rec stream.Record) error {
			if rec.ID == id {
				select {
				case got <- rec:
				default:
				}
			}
			return nil
		})
	}()
	select {
	case <-got:
	case <-ctx.Done():
		t.Fatalf("record not consumed")
	}

	// 两个节点的总线经桥互通
	c2, err := Connect(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("connect 2: %v", err)
	}
	defer c2.Close()
	bus1, bus2 := eventbus.New(zap.NewNop()), eventbus.New(zap.NewNop())
	if _, err := NewEventBridge(c, bus1, "n1"); err != nil {
		t.Fatalf("bridge1: %v", err)
	}
	if _, err := NewEventBridge(c2, bus2, "n2"); err != nil {
		t.Fatalf("bridge2: %v", err)
	}
	kicked := make(chan eventbus.DeviceKicked, 1)
	eventbus.On(bus2, 1, func(ev eventbus.DeviceKicked) { kicked <- ev })
	_ = c2.Conn().Flush()
	bus1.Publish(eventbus.DeviceKicked{UserID: "u", DeviceID: "d1"})
	select {
	case ev := <-kicked:
		if ev.DeviceID != "d1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("bridged event not received")
	}
}
