package eventbus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"FlareIM/module/im/model"

	"go.uber.org/zap"
)

type recordingForwarder struct {
	mu  sync.Mutex
	got []Event
}

func (f *recordingForwarder) Forward(ev Event) {
	f.mu.Lock()
	f.got = append(f.got, ev)
	f.mu.Unlock()
}

func TestSyncSubscriberAndUnsubscribe(t *testing.T) {
	b := New(zap.NewNop())
	var got []string
	cancel := On(b, 0, func(ev DeviceKicked) { got = append(got, ev.DeviceID) })

	b.Publish(DeviceKicked{UserID: "u", DeviceID: "d1"})
	b.Publish(SessionTerminated{Reason: "expired"}) // 不同事件名不会触发
	cancel()
	b.Publish(DeviceKicked{UserID: "u", DeviceID: "d2"})

	if len(got) != 1 || got[0] != "d1" {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestBufferedSubscriber(t *testing.T) {
	b := New(zap.NewNop())
	done := make(chan SessionTerminated, 1)
	defer On(b, 8, func(ev SessionTerminated) { done <- ev })()

	b.Publish(SessionTerminated{Session: model.Session{SessionID: "s1"}, Reason: model.ReasonExpired})
	select {
	case ev := <-done:
		if ev.Session.SessionID != "s1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("buffered subscriber not invoked")
	}
}

func TestPanicInSubscriberIsContained(t *testing.T) {
	b := New(zap.NewNop())
	calls := 0
	On(b, 0, func(DeliveryDropped) { panic("boom") })
	On(b, 0, func(DeliveryDropped) { calls++ })
	b.Publish(DeliveryDropped{MessageID: "m"})
	if calls != 1 {
		t.Fatalf("second subscriber should still run, calls=%d", calls)
	}
}

func TestForwardOnlyOnPublish(t *testing.T) {
	b := New(zap.NewNop())
	f := &recordingForwarder{}
	b.SetForwarder(f)
	b.Publish(PersistenceFailed{MessageID: "m1"})
	b.Deliver(PersistenceFailed{MessageID: "m2"})
	if len(f.got) != 1 {
		t.Fatalf("Deliver must not forward, got %d", len(f.got))
	}
}

func TestDecode(t *testing.T) {
	raw, _ := json.Marshal(DeviceKicked{UserID: "u", DeviceID: "d", Reason: "kick_others"})
	ev, err := Decode(NameDeviceKicked, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if k, ok := ev.(DeviceKicked); !ok || k.DeviceID != "d" {
		t.Fatalf("unexpected event %#v", ev)
	}
	if _, err := Decode("nope", raw); err == nil {
		t.Fatalf("unknown name must fail")
	}
}
