package presence

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func rec(user, device, gw string, epoch int64, pri model.Priority) model.DeviceRecord {
	return model.DeviceRecord{TenantID: "t1", UserID: user, DeviceID: device, GatewayID: gw, TokenEpoch: epoch, Priority: pri}
}

// storeContract 两种实现共用的语义检查
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	ttl := 3 * time.Minute

	t.Run("epoch", func(t *testing.T) {
		if _, err := s.Upsert(ctx, rec("ue", "d1", "g1", 5, model.PriorityNormal), ttl, model.PolicyCoexist); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		res, err := s.Upsert(ctx, rec("ue", "d1", "g1", 5, model.PriorityNormal), ttl, model.PolicyCoexist)
		if err != nil || !res.Refreshed {
			t.Fatalf("same epoch same gateway must be an idempotent refresh: %v %+v", err, res)
		}
		if _, err := s.Upsert(ctx, rec("ue", "d1", "g1", 4, model.PriorityNormal), ttl, model.PolicyCoexist); !errors.Is(err, errs.ErrFailedPrecondition) {
			t.Fatalf("stale epoch must be FailedPrecondition, got %v", err)
		}
		if _, err := s.Upsert(ctx, rec("ue", "d1", "g2", 5, model.PriorityNormal), ttl, model.PolicyCoexist); !errors.Is(err, errs.ErrConflict) {
			t.Fatalf("equal epoch other gateway must be Conflict, got %v", err)
		}
		if _, err := s.Upsert(ctx, rec("ue", "d1", "g2", 6, model.PriorityNormal), ttl, model.PolicyCoexist); err != nil {
			t.Fatalf("newer epoch must win: %v", err)
		}
		got, err := s.Get(ctx, "ue", "d1")
		if err != nil || got.TokenEpoch != 6 || got.GatewayID != "g2" {
			t.Fatalf("unexpected record %+v %v", got, err)
		}
	})

	t.Run("kick_others", func(t *testing.T) {
		_, _ = s.Upsert(ctx, rec("uk", "d1", "g1", 1, model.PriorityNormal), ttl, model.PolicyCoexist)
		res, err := s.Upsert(ctx, rec("uk", "d2", "g2", 1, model.PriorityHigh), ttl, model.PolicyKickOthers)
		if err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if len(res.Kicked) != 1 || res.Kicked[0].DeviceID != "d1" {
			t.Fatalf("expected d1 kicked, got %+v", res.Kicked)
		}
		d1, _ := s.Get(ctx, "uk", "d1")
		if !d1.Kicked {
			t.Fatalf("d1 must carry the kicked flag")
		}
		if err := s.Refresh(ctx, "uk", "d1", "", ttl); !errors.Is(err, errs.ErrConflict) {
			t.Fatalf("kicked device refresh must be Conflict, got %v", err)
		}
		list, _ := s.List(ctx, "uk")
		best, ok := Best(list)
		if !ok || best.DeviceID != "d2" {
			t.Fatalf("best device must be d2, got %+v", best)
		}
	})

	t.Run("reject_new", func(t *testing.T) {
		_, _ = s.Upsert(ctx, rec("ur", "d1", "g1", 1, model.PriorityNormal), ttl, model.PolicyCoexist)
		if _, err := s.Upsert(ctx, rec("ur", "d2", "g1", 1, model.PriorityNormal), ttl, model.PolicyRejectNew); !errors.Is(err, errs.ErrConflict) {
			t.Fatalf("reject_new with an active sibling must be Conflict, got %v", err)
		}
		if _, err := s.Get(ctx, "ur", "d2"); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("rejected device must not be stored")
		}
	})

	t.Run("remove_if_session", func(t *testing.T) {
		r := rec("us", "d1", "g1", 1, model.PriorityNormal)
		r.SessionID = "s-new"
		_, _ = s.Upsert(ctx, r, ttl, model.PolicyCoexist)
		if ok, _ := s.RemoveIfSession(ctx, "us", "d1", "s-old"); ok {
			t.Fatalf("old session must not remove a newer record")
		}
		if ok, _ := s.RemoveIfSession(ctx, "us", "d1", "s-new"); !ok {
			t.Fatalf("owning session must remove the record")
		}
		if list, _ := s.List(ctx, "us"); len(list) != 0 {
			t.Fatalf("list should be empty, got %+v", list)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	storeContract(t, NewMemoryStore(nil))
}

func TestMemoryStoreExpiry(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore(clk.Now)
	ctx := context.Background()
	ttl := TTL(90*time.Second, 0)
	if ttl != 180*time.Second {
		t.Fatalf("ttl should be max(2*hb, 180s), got %s", ttl)
	}
	_, _ = s.Upsert(ctx, rec("u", "d", "g", 1, model.PriorityNormal), ttl, model.PolicyCoexist)

	clk.Add(ttl - time.Millisecond)
	if err := s.Refresh(ctx, "u", "d", "g", ttl); err != nil {
		t.Fatalf("refresh before expiry: %v", err)
	}
	clk.Add(ttl - time.Millisecond)
	if _, err := s.Get(ctx, "u", "d"); err != nil {
		t.Fatalf("refreshed record expired early: %v", err)
	}
	clk.Add(time.Millisecond)
	if _, err := s.Get(ctx, "u", "d"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("record must self-expire, got %v", err)
	}
}

func TestTTLPolicy(t *testing.T) {
	if TTL(120*time.Second, 0) != 240*time.Second {
		t.Fatalf("2*hb should win when larger than 180s")
	}
	if TTL(30*time.Second, 300*time.Second) != 300*time.Second {
		t.Fatalf("configured presence ttl should win when larger")
	}
}

func TestDirectoryEmitsKickAndResolvesBest(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	var kicked []eventbus.DeviceKicked
	eventbus.On(bus, 0, func(ev eventbus.DeviceKicked) { kicked = append(kicked, ev) })

	d := NewDirectory(NewMemoryStore(nil), 0, bus, zap.NewNop())
	ctx := context.Background()
	_, _ = d.Upsert(ctx, rec("b", "D1", "G2", 1, model.PriorityNormal), 0, model.PolicyCoexist)
	if _, err := d.Upsert(ctx, rec("b", "D2", "G3", 1, model.PriorityHigh), 0, model.PolicyKickOthers); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(kicked) != 1 || kicked[0].DeviceID != "D1" || kicked[0].GatewayID != "G2" {
		t.Fatalf("expected DeviceKicked for D1 on G2, got %+v", kicked)
	}
	best, err := d.ResolveBestDevice(ctx, "b")
	if err != nil || best.DeviceID != "D2" {
		t.Fatalf("best device: %v %+v", err, best)
	}
	status, _ := d.BatchOnlineStatus(ctx, []string{"b", "nobody"})
	if !status["b"] || status["nobody"] {
		t.Fatalf("unexpected status %v", status)
	}
	if _, err := d.ResolveBestDevice(ctx, "nobody"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("no device must be NotFound")
	}
}

func TestBestDeviceDeterministic(t *testing.T) {
	now := time.Now()
	recs := []model.DeviceRecord{
		{DeviceID: "c", Priority: model.PriorityNormal, LastSeenAt: now},
		{DeviceID: "a", Priority: model.PriorityNormal, LastSeenAt: now},
		{DeviceID: "z", Priority: model.PriorityCritical, LastSeenAt: now, Kicked: true},
		{DeviceID: "b", Priority: model.PriorityNormal, LastSeenAt: now},
	}
	best, ok := Best(recs)
	if !ok || best.DeviceID != "a" {
		t.Fatalf("ties must break on device id and skip kicked, got %+v", best)
	}
}

func TestDirectoryWatchRemovesOnSessionEnd(t *testing.T) {
	bus := eventbus.New(zap.NewNop())
	store := NewMemoryStore(nil)
	d := NewDirectory(store, 0, bus, zap.NewNop())
	defer d.Watch(bus)()

	r := rec("w", "d", "g", 1, model.PriorityNormal)
	r.SessionID = "s1"
	_, _ = d.Upsert(context.Background(), r, 0, model.PolicyCoexist)
	bus.Publish(eventbus.SessionTerminated{Session: model.Session{SessionID: "s1", UserID: "w", DeviceID: "d"}, Reason: model.ReasonExpired})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(context.Background(), "w", "d"); errors.Is(err, errs.ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("record not removed after SessionTerminated")
}

// hashTag 集群按 {} 内的内容算槽
func hashTag(key string) string {
	i := strings.IndexByte(key, '{')
	if i < 0 {
		return key
	}
	j := strings.IndexByte(key[i+1:], '}')
	if j <= 0 {
		return key
	}
	return key[i+1 : i+1+j]
}

func TestRedisKeysShareSlotPerUser(t *testing.T) {
	keys := []string{deviceKey("alice", "phone"), deviceKey("alice", "laptop"), indexKey("alice"), devicePrefix("alice") + "tablet"}
	for _, k := range keys {
		if hashTag(k) != "alice" {
			t.Fatalf("key %q hashes on %q", k, hashTag(k))
		}
	}
	if hashTag(deviceKey("bob", "phone")) == hashTag(deviceKey("alice", "phone")) {
		t.Fatalf("different users share a hash tag")
	}
}

// 需要本地 Redis：FLARE_TEST_REDIS=127.0.0.1:6379（会写 presence:* 测试 key）
func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("FLARE_TEST_REDIS")
	if addr == "" {
		t.Skip("FLARE_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	for _, u := range []string{"ue", "uk", "ur", "us"} {
		keys, _ := rdb.Keys(ctx, devicePrefix(u)+"*").Result()
		keys = append(keys, indexKey(u))
		_ = rdb.Del(ctx, keys...).Err()
	}
	storeContract(t, NewRedisStore(rdb))
}
