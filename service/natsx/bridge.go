package natsx

import (
	"encoding/json"

	"FlareIM/service/eventbus"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventSubjectPrefix 事件桥 subject：flare.im.events.<event name>
const EventSubjectPrefix = "flare.im.events."

type bridgeEnvelope struct {
	Origin string          `json:"origin"`
	Name   string          `json:"name"`
	Data   json.RawMessage `json:"data"`
}

// EventBridge 把本地总线事件经 core NATS 广播到其它节点；自己发出的不再回投
type EventBridge struct {
	c      *Client
	bus    *eventbus.Bus
	origin string
	sub    *nats.Subscription
}

// NewEventBridge 订阅 flare.im.events.> 并注册为总线的 Forwarder
func NewEventBridge(c *Client, bus *eventbus.Bus, nodeID string) (*EventBridge, error) {
	br := &EventBridge{c: c, bus: bus, origin: nodeID}
	sub, err := c.nc.Subscribe(EventSubjectPrefix+">", br.onMsg)
	if err != nil {
		return nil, err
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	br.sub = sub
	bus.SetForwarder(br)
	return br, nil
}

func (br *EventBridge) Forward(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		br.c.log.Warn("marshal event", zap.String("event", ev.EventName()), zap.Error(err))
		return
	}
	raw, _ := json.Marshal(bridgeEnvelope{Origin: br.origin, Name: ev.EventName(), Data: data})
	if err := br.c.nc.Publish(EventSubjectPrefix+ev.EventName(), raw); err != nil {
		br.c.log.Warn("forward event", zap.String("event", ev.EventName()), zap.Error(err))
	}
}

func (br *EventBridge) onMsg(m *nats.Msg) {
	var env bridgeEnvelope
	if err := json.Unmarshal(m.Data, &env); err != nil {
		br.c.log.Warn("bad bridge envelope", zap.String("subject", m.Subject), zap.Error(err))
		return
	}
	if env.Origin == br.origin {
		return
	}
	ev, err := eventbus.Decode(env.Name, env.Data)
	if err != nil {
		br.c.log.Warn("decode bridged event", zap.Error(err))
		return
	}
	br.bus.Deliver(ev)
}

func (br *EventBridge) Close() error {
	br.bus.SetForwarder(nil)
	if br.sub != nil {
		return br.sub.Unsubscribe()
	}
	return nil
}
