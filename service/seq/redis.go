package seq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"FlareIM/logger"
	"FlareIM/tools/errs"
	"FlareIM/tools/ids"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 已初始化才 INCR；key 丢失返回 -1，走带租约的初始化
const luaIncrIfExists = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
return redis.call('INCR', KEYS[1])
`

// 落后时只升不降，矫正后 INCR 取新号
const luaRaiseAndIncr = `
local k = KEYS[1]
local floor = tonumber(ARGV[1])
local v = redis.call('GET', k)
if (not v) or (tonumber(v) < floor) then
  redis.call('SET', k, floor)
end
return redis.call('INCR', k)
`

// 计数器还停在 ARGV[1] 才回退
const luaRollback = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DECR', KEYS[1])
  return 1
end
return 0
`

// 只删除自己持有的租约
const luaReleaseLease = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisAllocator INCR 分配；计数器丢失时在单写者租约下从 Floor 恢复
type RedisAllocator struct {
	rdb         redis.UniversalClient
	floor       Floor
	seqPrefix   string
	leasePrefix string
	leaseTTL    time.Duration
	spinWait    time.Duration
	log         *zap.Logger
}

func NewRedisAllocator(rdb redis.UniversalClient, floor Floor, lease time.Duration, log *zap.Logger) *RedisAllocator {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisAllocator{
		rdb:         rdb,
		floor:       floor,
		seqPrefix:   "seq",
		leasePrefix: "seq:lease",
		leaseTTL:    lease,
		spinWait:    50 * time.Millisecond,
		log:         logger.OrDefault(log, "seq"),
	}
}

func (a *RedisAllocator) seqKey(tenant, conv string) string {
	return fmt.Sprintf("%s:%s:%s", a.seqPrefix, tenant, conv)
}

func (a *RedisAllocator) leaseKey(tenant, conv string) string {
	return fmt.Sprintf("%s:%s:%s", a.leasePrefix, tenant, conv)
}

func (a *RedisAllocator) Allocate(ctx context.Context, tenantID, conversationID string) (int64, error) {
	if tenantID == "" || conversationID == "" {
		return 0, errs.ErrInvalidArgument.WrapMsg("allocate: tenant and conversation required")
	}
	key := a.seqKey(tenantID, conversationID)
	for {
		v, err := a.rdb.Eval(ctx, luaIncrIfExists, []string{key}).Int64()
		if err != nil {
			return 0, redisErr("seq incr", err)
		}
		if v > 0 {
			return v, nil
		}
		v, ok, err := a.initAndIncr(ctx, tenantID, conversationID)
		if err != nil {
			return 0, err
		}
		if ok {
			return v, nil
		}
		// 别人持有租约，等它写完再走快路径
		t := time.NewTimer(a.spinWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return 0, errs.ErrDeadlineExceeded.WrapMsg("seq init contention", "conversation", conversationID)
		case <-t.C:
		}
	}
}

// initAndIncr 拿到租约才初始化；没拿到返回 ok=false
func (a *RedisAllocator) initAndIncr(ctx context.Context, tenant, conv string) (int64, bool, error) {
	lease := a.leaseKey(tenant, conv)
	token := ids.NewRequestID()
	got, err := a.rdb.SetNX(ctx, lease, token, a.leaseTTL).Result()
	if err != nil {
		return 0, false, redisErr("seq lease", err)
	}
	if !got {
		return 0, false, nil
	}
	defer func() {
		// ctx 可能已经超时，释放用独立的短超时
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.rdb.Eval(rctx, luaReleaseLease, []string{lease}, token).Err(); err != nil {
			a.log.Warn("release seq lease failed", zap.String("lease", lease), zap.Error(err))
		}
	}()

	var floor int64
	if a.floor != nil {
		floor, err = a.floor.MaxSeq(ctx, tenant, conv)
		if err != nil {
			return 0, false, errs.ErrUnavailable.WrapMsg("seq floor", "conversation", conv, "err", err)
		}
	}
	v, err := a.rdb.Eval(ctx, luaRaiseAndIncr, []string{a.seqKey(tenant, conv)}, floor).Int64()
	if err != nil {
		return 0, false, redisErr("seq init", err)
	}
	a.log.Info("seq counter initialised", zap.String("tenant", tenant), zap.String("conversation", conv), zap.Int64("floor", floor))
	return v, true, nil
}

func (a *RedisAllocator) Rollback(ctx context.Context, tenantID, conversationID string, seq int64) (bool, error) {
	n, err := a.rdb.Eval(ctx, luaRollback, []string{a.seqKey(tenantID, conversationID)}, strconv.FormatInt(seq, 10)).Int64()
	if err != nil {
		return false, redisErr("seq rollback", err)
	}
	return n == 1, nil
}

// ===== 幂等 =====

// 占位写入；已存在则原样返回旧值
// KEYS[1] = idem key  ARGV[1] = 占位值  ARGV[2] = 占位 ttl ms
const luaMark = `
local ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', tonumber(ARGV[2]))
if ok then
  return {0, ARGV[1]}
end
return {1, redis.call('GET', KEYS[1])}
`

// 只删除占位，已提交的结果保留
const luaRelease = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

const placeholder = "pending"

// RedisIdempotency 值为 "pending" 或 "<seq>:<server_ts>"
type RedisIdempotency struct {
	rdb   redis.UniversalClient
	lease time.Duration
}

func NewRedisIdempotency(rdb redis.UniversalClient, lease time.Duration) *RedisIdempotency {
	return &RedisIdempotency{rdb: rdb, lease: lease}
}

func (r *RedisIdempotency) CheckAndMark(ctx context.Context, key Key, window time.Duration) (Mark, error) {
	if err := validKey(key); err != nil {
		return Mark{}, err
	}
	ttl := pendingTTL(window, r.lease)
	res, err := r.rdb.Eval(ctx, luaMark, []string{key.String()}, placeholder, ttl.Milliseconds()).Slice()
	if err != nil {
		return Mark{}, redisErr("idem mark", err)
	}
	if len(res) != 2 {
		return Mark{}, errs.ErrInternal.WrapMsg("unexpected lua result", "res", res)
	}
	flag, _ := res[0].(int64)
	if flag == 0 {
		return Mark{}, nil
	}
	val, _ := res[1].(string)
	// 空值：SET 与 GET 之间刚好过期，同样让客户端重试
	if val == "" || val == placeholder {
		return Mark{}, ErrInFlight
	}
	seq, ts, ok := parseResult(val)
	if !ok {
		return Mark{}, errs.ErrInternal.WrapMsg("bad idempotency value", "key", key.String(), "value", val)
	}
	return Mark{Duplicate: true, Seq: seq, ServerTS: ts}, nil
}

func (r *RedisIdempotency) Commit(ctx context.Context, key Key, seq, serverTS int64, window time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if err := r.rdb.Set(ctx, key.String(), formatResult(seq, serverTS), window).Err(); err != nil {
		return redisErr("idem commit", err)
	}
	return nil
}

func (r *RedisIdempotency) Release(ctx context.Context, key Key) error {
	if err := r.rdb.Eval(ctx, luaRelease, []string{key.String()}, placeholder).Err(); err != nil {
		return redisErr("idem release", err)
	}
	return nil
}

func formatResult(seq, serverTS int64) string {
	return strconv.FormatInt(seq, 10) + ":" + strconv.FormatInt(serverTS, 10)
}

func parseResult(v string) (int64, int64, bool) {
	a, b, ok := strings.Cut(v, ":")
	if !ok {
		return 0, 0, false
	}
	seq, err1 := strconv.ParseInt(a, 10, 64)
	ts, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return seq, ts, true
}

func redisErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.ErrDeadlineExceeded.WrapMsg(op, "err", err)
	}
	return errs.ErrUnavailable.WrapMsg(op, "err", err)
}
