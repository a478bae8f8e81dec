package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"github.com/redis/go-redis/v9"
)

// ===== Lua 脚本 =====

// 原子 upsert：epoch CAS + 冲突策略 + 写入本设备
// KEYS[1] = 设备 hash  presence:user:{<user>}:<device>
// KEYS[2] = 用户索引   presence:idx:{<user>}
// ARGV[1] = device_id
// ARGV[2] = token_epoch
// ARGV[3] = gateway_id
// ARGV[4] = record json
// ARGV[5] = ttl ms
// ARGV[6] = policy
// ARGV[7] = 设备 key 前缀 presence:user:{<user>}:，兄弟设备 key 与 KEYS 同槽
// ARGV[8] = session_id
// ARGV[9] = now ms
// 返回：{-1, epoch} stale；{-2, gw} 同 epoch 不同网关；{-3} reject_new；{-4} 已被踢；
//       {refreshed, kicked_device...} 成功
const luaUpsert = `
local key, idx = KEYS[1], KEYS[2]
local dev    = ARGV[1]
local epoch  = tonumber(ARGV[2])
local gw     = ARGV[3]
local ttl    = tonumber(ARGV[5])
local policy = ARGV[6]
local prefix = ARGV[7]

local refreshed = 0
if redis.call("EXISTS", key) == 1 then
  local cur = redis.call("HMGET", key, "epoch", "gw", "kicked")
  local ce = tonumber(cur[1]) or 0
  if epoch < ce then
    return {-1, cur[1]}
  end
  if epoch == ce then
    if cur[2] ~= gw then
      return {-2, cur[2]}
    end
    if cur[3] == "1" then
      return {-4}
    end
    refreshed = 1
  end
end

local live = {}
for _, d in ipairs(redis.call("SMEMBERS", idx)) do
  if d ~= dev then
    local k = prefix .. d
    if redis.call("EXISTS", k) == 0 then
      redis.call("SREM", idx, d)
    elseif redis.call("HGET", k, "kicked") ~= "1" then
      table.insert(live, d)
    end
  end
end

if policy == "reject_new" and #live > 0 and refreshed == 0 then
  return {-3}
end

local out = {refreshed}
if policy == "kick_others" then
  for _, d in ipairs(live) do
    redis.call("HSET", prefix .. d, "kicked", "1", "reason", "kick_others")
    table.insert(out, d)
  end
end

redis.call("HSET", key, "rec", ARGV[4], "epoch", ARGV[2], "gw", gw, "kicked", "0", "reason", "", "sid", ARGV[8], "seen", ARGV[9])
redis.call("PEXPIRE", key, ttl)
redis.call("SADD", idx, dev)
if redis.call("PTTL", idx) < ttl then
  redis.call("PEXPIRE", idx, ttl)
end
return out
`

// 心跳续期
// KEYS[1] = 设备 hash，KEYS[2] = 用户索引
// ARGV[1] = ttl ms，ARGV[2] = gateway_id（可空），ARGV[3] = now ms
// 返回：1 成功；0 不存在；-1 已被踢；-2 网关不符
const luaRefresh = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local cur = redis.call("HMGET", KEYS[1], "kicked", "gw")
if cur[1] == "1" then
  return -1
end
if ARGV[2] ~= "" and cur[2] ~= ARGV[2] then
  return -2
end
local ttl = tonumber(ARGV[1])
redis.call("HSET", KEYS[1], "seen", ARGV[3], "ttl", ARGV[1])
redis.call("PEXPIRE", KEYS[1], ttl)
if redis.call("PTTL", KEYS[2]) < ttl then
  redis.call("PEXPIRE", KEYS[2], ttl)
end
return 1
`

// 仅当记录仍属于该会话时删除
// KEYS[1] = 设备 hash，KEYS[2] = 用户索引；ARGV[1] = session_id，ARGV[2] = device_id
const luaRemoveIfSession = `
if redis.call("HGET", KEYS[1], "sid") ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`

// RedisStore key 布局：presence:user:{<user>}:<device>（hash，PX TTL）+ presence:idx:{<user>}（set）。
// user 作 hash tag，集群下同一用户的 key 都在一个槽里，脚本和事务不会 CROSSSLOT
type RedisStore struct {
	rdb            redis.UniversalClient
	luaUpsert      *redis.Script
	luaRefresh     *redis.Script
	luaRemoveIfSid *redis.Script
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{
		rdb:            rdb,
		luaUpsert:      redis.NewScript(luaUpsert),
		luaRefresh:     redis.NewScript(luaRefresh),
		luaRemoveIfSid: redis.NewScript(luaRemoveIfSession),
	}
}

// ===== Key 构造 =====

func userTag(user string) string           { return "{" + user + "}" }
func devicePrefix(user string) string      { return "presence:user:" + userTag(user) + ":" }
func deviceKey(user, device string) string { return devicePrefix(user) + device }
func indexKey(user string) string          { return "presence:idx:" + userTag(user) }

func redisErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.ErrDeadlineExceeded.WrapMsg(op, "err", err)
	}
	return errs.ErrUnavailable.WrapMsg(op, "err", err)
}

func (s *RedisStore) Upsert(ctx context.Context, rec model.DeviceRecord, ttl time.Duration, policy model.ConflictPolicy) (UpsertResult, error) {
	if err := validate(&rec); err != nil {
		return UpsertResult{}, err
	}
	now := time.Now()
	if rec.LastSeenAt.IsZero() {
		rec.LastSeenAt = now
	}
	rec.Kicked, rec.KickReason = false, ""
	rec.TTLMs = ttl.Milliseconds()
	raw, err := json.Marshal(rec)
	if err != nil {
		return UpsertResult{}, errs.ErrInternal.WrapMsg("marshal device record", "err", err)
	}

	res, err := s.luaUpsert.Run(ctx, s.rdb,
		[]string{deviceKey(rec.UserID, rec.DeviceID), indexKey(rec.UserID)},
		rec.DeviceID, rec.TokenEpoch, rec.GatewayID, string(raw), ttl.Milliseconds(),
		string(policy), devicePrefix(rec.UserID), rec.SessionID, rec.LastSeenAt.UnixMilli(),
	).Slice()
	if err != nil {
		return UpsertResult{}, redisErr("presence upsert", err)
	}
	code, _ := res[0].(int64)
	switch code {
	case -1:
		stored, _ := strconv.ParseInt(toString(res[1]), 10, 64)
		return UpsertResult{}, errStale(&rec, stored)
	case -2:
		return UpsertResult{}, errEpochConflict(&rec, toString(res[1]))
	case -3:
		return UpsertResult{}, errRejected(&rec)
	case -4:
		return UpsertResult{}, errKicked(rec.UserID, rec.DeviceID)
	}

	out := UpsertResult{Record: rec, Refreshed: code == 1}
	for _, v := range res[1:] {
		victim, err := s.Get(ctx, rec.UserID, toString(v))
		if err != nil {
			// 被踢的记录可能恰好过期，只保留身份
			victim = model.DeviceRecord{TenantID: rec.TenantID, UserID: rec.UserID, DeviceID: toString(v), Kicked: true}
		}
		out.Kicked = append(out.Kicked, victim)
	}
	sortByDevice(out.Kicked)
	return out, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case []byte:
		return string(x)
	}
	return ""
}

func (s *RedisStore) Refresh(ctx context.Context, userID, deviceID, gatewayID string, ttl time.Duration) error {
	code, err := s.luaRefresh.Run(ctx, s.rdb,
		[]string{deviceKey(userID, deviceID), indexKey(userID)},
		ttl.Milliseconds(), gatewayID, time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return redisErr("presence refresh", err)
	}
	switch code {
	case 0:
		return errs.ErrNotFound.WrapMsg("presence record not found", "user_id", userID, "device_id", deviceID)
	case -1:
		return errKicked(userID, deviceID)
	case -2:
		return errs.ErrConflict.WrapMsg("record owned by another gateway", "user_id", userID, "device_id", deviceID)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID, deviceID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, deviceKey(userID, deviceID))
	pipe.SRem(ctx, indexKey(userID), deviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return redisErr("presence remove", err)
	}
	return nil
}

func (s *RedisStore) RemoveIfSession(ctx context.Context, userID, deviceID, sessionID string) (bool, error) {
	n, err := s.luaRemoveIfSid.Run(ctx, s.rdb,
		[]string{deviceKey(userID, deviceID), indexKey(userID)}, sessionID, deviceID).Int64()
	if err != nil {
		return false, redisErr("presence remove", err)
	}
	return n == 1, nil
}

// decode hash -> DeviceRecord；kicked/seen/epoch/gw 以独立字段为准
func decode(h map[string]string) (model.DeviceRecord, error) {
	var rec model.DeviceRecord
	if err := json.Unmarshal([]byte(h["rec"]), &rec); err != nil {
		return rec, errs.ErrInternal.WrapMsg("decode device record", "err", err)
	}
	rec.Kicked = h["kicked"] == "1"
	rec.KickReason = h["reason"]
	if v, err := strconv.ParseInt(h["epoch"], 10, 64); err == nil {
		rec.TokenEpoch = v
	}
	if gw := h["gw"]; gw != "" {
		rec.GatewayID = gw
	}
	if v, err := strconv.ParseInt(h["seen"], 10, 64); err == nil && v > 0 {
		rec.LastSeenAt = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(h["ttl"], 10, 64); err == nil && v > 0 {
		rec.TTLMs = v
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, userID, deviceID string) (model.DeviceRecord, error) {
	h, err := s.rdb.HGetAll(ctx, deviceKey(userID, deviceID)).Result()
	if err != nil {
		return model.DeviceRecord{}, redisErr("presence get", err)
	}
	if len(h) == 0 || h["rec"] == "" {
		return model.DeviceRecord{}, errs.ErrNotFound.WrapMsg("presence record not found", "user_id", userID, "device_id", deviceID)
	}
	return decode(h)
}

func (s *RedisStore) List(ctx context.Context, userID string) ([]model.DeviceRecord, error) {
	devs, err := s.rdb.SMembers(ctx, indexKey(userID)).Result()
	if err != nil {
		return nil, redisErr("presence list", err)
	}
	if len(devs) == 0 {
		return nil, nil
	}
	sort.Strings(devs)
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(devs))
	for i, d := range devs {
		cmds[i] = pipe.HGetAll(ctx, deviceKey(userID, d))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, redisErr("presence list", err)
	}
	out := make([]model.DeviceRecord, 0, len(devs))
	var stale []any
	for i, c := range cmds {
		h := c.Val()
		if len(h) == 0 {
			stale = append(stale, devs[i])
			continue
		}
		rec, err := decode(h)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		// 索引里的过期成员顺手清掉
		_ = s.rdb.SRem(ctx, indexKey(userID), stale...).Err()
	}
	return out, nil
}
