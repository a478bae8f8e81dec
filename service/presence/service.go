package presence

import (
	"context"
	"time"

	"FlareIM/logger"
	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
)

// Directory 在线目录：Store 之上补 TTL 策略、DeviceKicked 事件与批量查询
type Directory struct {
	store  Store
	ttl    time.Duration
	events *eventbus.Bus
	log    *zap.Logger
}

func NewDirectory(store Store, ttl time.Duration, events *eventbus.Bus, log *zap.Logger) *Directory {
	if ttl <= 0 {
		ttl = 180 * time.Second
	}
	return &Directory{store: store, ttl: ttl, events: events, log: logger.OrDefault(log, "presence")}
}

func (d *Directory) TTL() time.Duration { return d.ttl }

// Upsert ttl<=0 时使用目录默认 TTL；被踢设备逐个发 DeviceKicked
func (d *Directory) Upsert(ctx context.Context, rec model.DeviceRecord, ttl time.Duration, policy model.ConflictPolicy) (UpsertResult, error) {
	if ttl <= 0 {
		ttl = d.ttl
	}
	res, err := d.store.Upsert(ctx, rec, ttl, policy)
	if err != nil {
		return res, err
	}
	for _, v := range res.Kicked {
		d.log.Info("device kicked",
			zap.String("user_id", v.UserID), zap.String("device_id", v.DeviceID),
			zap.String("by_device", rec.DeviceID))
		if d.events != nil {
			d.events.Publish(eventbus.DeviceKicked{
				TenantID:  v.TenantID,
				UserID:    v.UserID,
				DeviceID:  v.DeviceID,
				GatewayID: v.GatewayID,
				SessionID: v.SessionID,
				ByDevice:  rec.DeviceID,
				Reason:    string(model.PolicyKickOthers),
				At:        time.Now(),
			})
		}
	}
	return res, nil
}

func (d *Directory) Refresh(ctx context.Context, userID, deviceID, gatewayID string) error {
	return d.store.Refresh(ctx, userID, deviceID, gatewayID, d.ttl)
}

func (d *Directory) Remove(ctx context.Context, userID, deviceID string) error {
	return d.store.Remove(ctx, userID, deviceID)
}

func (d *Directory) Get(ctx context.Context, userID, deviceID string) (model.DeviceRecord, error) {
	return d.store.Get(ctx, userID, deviceID)
}

func (d *Directory) List(ctx context.Context, userID string) ([]model.DeviceRecord, error) {
	return d.store.List(ctx, userID)
}

// Online 未被踢的设备
func (d *Directory) Online(ctx context.Context, userID string) ([]model.DeviceRecord, error) {
	all, err := d.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Online() {
			out = append(out, r)
		}
	}
	return out, nil
}

// BatchOnlineStatus user -> 是否至少有一台未被踢的设备
func (d *Directory) BatchOnlineStatus(ctx context.Context, userIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	for _, u := range userIDs {
		if _, done := out[u]; done {
			continue
		}
		recs, err := d.Online(ctx, u)
		if err != nil {
			return nil, err
		}
		out[u] = len(recs) > 0
	}
	return out, nil
}

// ResolveBestDevice 无在线设备返回 NotFound
func (d *Directory) ResolveBestDevice(ctx context.Context, userID string) (model.DeviceRecord, error) {
	recs, err := d.store.List(ctx, userID)
	if err != nil {
		return model.DeviceRecord{}, err
	}
	best, ok := Best(recs)
	if !ok {
		return model.DeviceRecord{}, errs.ErrNotFound.WrapMsg("no online device", "user_id", userID)
	}
	return best, nil
}

// Watch 订阅会话终止事件，删除仍属于该会话的记录
func (d *Directory) Watch(bus *eventbus.Bus) (cancel func()) {
	return eventbus.On(bus, 1024, func(ev eventbus.SessionTerminated) {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		s := ev.Session
		removed, err := d.store.RemoveIfSession(ctx, s.UserID, s.DeviceID, s.SessionID)
		if err != nil {
			d.log.Warn("remove presence on session end", zap.String("session_id", s.SessionID), zap.Error(err))
			return
		}
		if removed {
			d.log.Debug("presence removed", zap.String("user_id", s.UserID), zap.String("device_id", s.DeviceID),
				zap.String("reason", ev.Reason))
		}
	})
}
