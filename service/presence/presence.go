package presence

import (
	"context"
	"sort"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

// UpsertResult 一次 upsert 的结果；Kicked 为本次被 kick_others 挤下线的兄弟设备
type UpsertResult struct {
	Record    model.DeviceRecord
	Kicked    []model.DeviceRecord
	Refreshed bool // 同 epoch 同网关的幂等刷新
}

// Store 在线目录存储。所有实现都保证：
//   - (user_id, device_id) 至多一条记录，token_epoch 只增
//   - 记录按 ttl 自动过期，不依赖外部清理
//   - kick_others 对兄弟设备的标记与本设备写入是一个原子操作
type Store interface {
	Upsert(ctx context.Context, rec model.DeviceRecord, ttl time.Duration, policy model.ConflictPolicy) (UpsertResult, error)
	// Refresh 心跳续期；记录不存在 NotFound，已被踢 Conflict
	Refresh(ctx context.Context, userID, deviceID, gatewayID string, ttl time.Duration) error
	Remove(ctx context.Context, userID, deviceID string) error
	// RemoveIfSession 只有记录仍属于该会话时才删除
	RemoveIfSession(ctx context.Context, userID, deviceID, sessionID string) (bool, error)
	Get(ctx context.Context, userID, deviceID string) (model.DeviceRecord, error)
	// List 未过期的全部记录（含已踢），按 device_id 排序
	List(ctx context.Context, userID string) ([]model.DeviceRecord, error)
}

// TTL 记录过期时间：max(heartbeat_ttl*2, presence_ttl)，且不低于 180s
func TTL(heartbeat, presenceTTL time.Duration) time.Duration {
	ttl := heartbeat * 2
	if presenceTTL > ttl {
		ttl = presenceTTL
	}
	if ttl < 180*time.Second {
		ttl = 180 * time.Second
	}
	return ttl
}

// validate 写入前的入参检查
func validate(rec *model.DeviceRecord) error {
	if rec.UserID == "" || rec.DeviceID == "" {
		return errs.ErrInvalidArgument.WrapMsg("device record requires user_id and device_id")
	}
	if rec.GatewayID == "" {
		return errs.ErrInvalidArgument.WrapMsg("device record requires gateway_id", "user_id", rec.UserID)
	}
	if rec.TokenEpoch < 0 {
		return errs.ErrInvalidArgument.WrapMsg("negative token_epoch")
	}
	return nil
}

func errStale(rec *model.DeviceRecord, stored int64) error {
	return errs.ErrFailedPrecondition.WrapMsg("stale token_epoch",
		"user_id", rec.UserID, "device_id", rec.DeviceID, "epoch", rec.TokenEpoch, "stored", stored)
}

func errEpochConflict(rec *model.DeviceRecord, gw string) error {
	return errs.ErrConflict.WrapMsg("equal token_epoch from a different gateway",
		"user_id", rec.UserID, "device_id", rec.DeviceID, "gateway_id", rec.GatewayID, "stored_gateway", gw)
}

func errRejected(rec *model.DeviceRecord) error {
	return errs.ErrConflict.WrapMsg("another device is active (reject_new)",
		"user_id", rec.UserID, "device_id", rec.DeviceID)
}

func errKicked(userID, deviceID string) error {
	return errs.ErrConflict.WrapMsg("device was kicked", "user_id", userID, "device_id", deviceID)
}

// Best 选最佳设备：跳过已踢，按 BetterThan 排序取第一
func Best(recs []model.DeviceRecord) (model.DeviceRecord, bool) {
	var best *model.DeviceRecord
	for i := range recs {
		r := &recs[i]
		if !r.Online() {
			continue
		}
		if best == nil || r.BetterThan(best) {
			best = r
		}
	}
	if best == nil {
		return model.DeviceRecord{}, false
	}
	return *best, true
}

func sortByDevice(recs []model.DeviceRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].DeviceID < recs[j].DeviceID })
}
