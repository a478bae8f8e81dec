package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captured struct {
	mu  sync.Mutex
	evs []eventbus.SessionTerminated
}

func (c *captured) Publish(ev eventbus.Event) {
	if st, ok := ev.(eventbus.SessionTerminated); ok {
		c.mu.Lock()
		c.evs = append(c.evs, st)
		c.mu.Unlock()
	}
}

func newTestRegistry() (*Registry, *fakeClock, *captured) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ev := &captured{}
	r := NewRegistry(Conf{GatewayID: "gw-1", HeartbeatTTL: 90 * time.Second, Clock: clk.Now}, ev, zap.NewNop())
	return r, clk, ev
}

func TestLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry()
	s, err := r.Create(model.Session{TenantID: "t", UserID: "u1", DeviceID: "d1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.State != model.SessionLogin || s.SessionID == "" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s, _ = r.Bind(s.SessionID, "c1", "gw-1"); s.State != model.SessionConnected {
		t.Fatalf("bind should move to CONNECTED, got %s", s.State)
	}
	if s, _ = r.Touch(s.SessionID); s.State != model.SessionActive {
		t.Fatalf("touch should move to ACTIVE, got %s", s.State)
	}
	if got := r.ResolveByUser("u1"); len(got) != 1 || got[0].ConnectionID != "c1" {
		t.Fatalf("resolve by user: %+v", got)
	}
}

func TestNotFoundAndConflict(t *testing.T) {
	r, _, _ := newTestRegistry()
	if _, err := r.Resolve("nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if err := r.Unbind("nope"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	s, _ := r.Create(model.Session{UserID: "u", DeviceID: "d"})
	if _, err := r.Bind(s.SessionID, "c1", "gw-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := r.Bind(s.SessionID, "c9", "gw-2"); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("binding from a different gateway must conflict, got %v", err)
	}
	// 同网关重连换绑
	if got, err := r.Bind(s.SessionID, "c2", "gw-1"); err != nil || got.ConnectionID != "c2" {
		t.Fatalf("rebind on same gateway: %v %+v", err, got)
	}
	// 解绑后允许其它网关绑定
	_ = r.Unbind(s.SessionID)
	if _, err := r.Bind(s.SessionID, "c3", "gw-2"); err != nil {
		t.Fatalf("bind after unbind: %v", err)
	}
}

func TestHeartbeatBoundary(t *testing.T) {
	r, clk, ev := newTestRegistry()
	s, _ := r.Create(model.Session{UserID: "u", DeviceID: "d"})
	start := clk.Now()

	if got := r.EvictExpired(start.Add(90 * time.Second)); len(got) != 0 {
		t.Fatalf("heartbeat exactly at ttl must be alive")
	}
	got := r.EvictExpired(start.Add(90*time.Second + time.Millisecond))
	if len(got) != 1 || got[0].SessionID != s.SessionID || got[0].State != model.SessionExpired {
		t.Fatalf("ttl+1ms must be evicted, got %+v", got)
	}
	if len(ev.evs) != 1 || ev.evs[0].Reason != model.ReasonExpired {
		t.Fatalf("expected one SessionTerminated(expired), got %+v", ev.evs)
	}
	if r.Len() != 0 {
		t.Fatalf("evicted session still present")
	}
}

func TestTouchIdempotentAndExtends(t *testing.T) {
	r, clk, _ := newTestRegistry()
	s, _ := r.Create(model.Session{UserID: "u", DeviceID: "d"})
	_, _ = r.Bind(s.SessionID, "c", "")
	clk.Add(60 * time.Second)
	a, _ := r.Touch(s.SessionID)
	b, _ := r.Touch(s.SessionID)
	if a != b {
		t.Fatalf("touch∘touch must equal touch: %+v vs %+v", a, b)
	}
	if got := r.EvictExpired(clk.Now().Add(90 * time.Second)); len(got) != 0 {
		t.Fatalf("touched session evicted early")
	}
}

func TestSameDeviceReplaced(t *testing.T) {
	r, _, ev := newTestRegistry()
	old, _ := r.Create(model.Session{UserID: "u", DeviceID: "d1"})
	other, _ := r.Create(model.Session{UserID: "u", DeviceID: "d2"})
	fresh, _ := r.Create(model.Session{UserID: "u", DeviceID: "d1"})

	if _, err := r.Resolve(old.SessionID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("old session for same device must be gone")
	}
	if _, err := r.Resolve(other.SessionID); err != nil {
		t.Fatalf("other device untouched: %v", err)
	}
	if s, _ := r.ResolveDevice("u", "d1"); s.SessionID != fresh.SessionID {
		t.Fatalf("device should resolve to the new session")
	}
	if len(ev.evs) != 1 || ev.evs[0].Reason != model.ReasonReplaced {
		t.Fatalf("expected replaced event, got %+v", ev.evs)
	}
}

func TestTerminate(t *testing.T) {
	r, _, ev := newTestRegistry()
	s, _ := r.Create(model.Session{UserID: "u", DeviceID: "d"})
	got, err := r.Terminate(s.SessionID, model.ReasonKicked)
	if err != nil || got.State != model.SessionTerminated {
		t.Fatalf("terminate: %v %+v", err, got)
	}
	if _, err := r.Terminate(s.SessionID, model.ReasonKicked); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second terminate must be NotFound")
	}
	if len(ev.evs) != 1 || ev.evs[0].Reason != model.ReasonKicked {
		t.Fatalf("unexpected events %+v", ev.evs)
	}
}

func TestConcurrentTouchAndEvict(t *testing.T) {
	r, clk, _ := newTestRegistry()
	var ids []string
	for i := 0; i < 64; i++ {
		s, _ := r.Create(model.Session{UserID: "u" + string(rune('a'+i%8)), DeviceID: "d" + string(rune('a'+i))})
		ids = append(ids, s.SessionID)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = r.Touch(id)
		}(id)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.EvictExpired(clk.Now())
	}()
	wg.Wait()
	if r.Len() != 64 {
		t.Fatalf("no session should expire, len=%d", r.Len())
	}
}
