package orchestrator

import (
	"context"
	"sync"

	"FlareIM/global/config"
	"FlareIM/service/metrics"
	"FlareIM/tools/errs"

	"golang.org/x/time/rate"
)

// PendingCounter WAL 中未完成的条目数
type PendingCounter interface {
	PendingCount(ctx context.Context) (int64, error)
}

// InFlighter 发布端尚未确认的消息数
type InFlighter interface {
	InFlight() int64
}

type tenantLimiter struct {
	lim   *rate.Limiter
	rps   float64
	burst int
}

// Admission 背压：WAL 积压或生产端在途数超过水位即拒绝；另有按租户的令牌桶
type Admission struct {
	wal       PendingCounter
	producers []InFlighter
	highWater int64
	metrics   *metrics.Orchestrator

	mu      sync.Mutex
	tenants map[string]*tenantLimiter
}

func NewAdmission(wal PendingCounter, highWater int64, m *metrics.Orchestrator, producers ...InFlighter) *Admission {
	return &Admission{
		wal:       wal,
		producers: producers,
		highWater: highWater,
		metrics:   m,
		tenants:   make(map[string]*tenantLimiter),
	}
}

// Admit highWater<=0 关闭水位检查；RatePerSec<=0 关闭租户限流
func (a *Admission) Admit(ctx context.Context, tenantID string, p config.TenantPolicy) error {
	if p.RatePerSec > 0 && !a.limiter(tenantID, p).Allow() {
		a.metrics.Rejected("tenant_rate")
		return errs.ErrResourceExhausted.WrapMsg("tenant rate limited", "tenant_id", tenantID)
	}
	if a.highWater <= 0 {
		return nil
	}
	for _, pr := range a.producers {
		if n := pr.InFlight(); n >= a.highWater {
			a.metrics.Rejected("stream_inflight")
			return errs.ErrResourceExhausted.WrapMsg("stream producer backlog", "in_flight", n)
		}
	}
	if a.wal == nil {
		return nil
	}
	n, err := a.wal.PendingCount(ctx)
	if err != nil {
		return errs.ErrUnavailable.WrapMsg("wal pending count", "err", err)
	}
	a.metrics.WALPending(n)
	if n >= a.highWater {
		a.metrics.Rejected("wal_pending")
		return errs.ErrResourceExhausted.WrapMsg("wal backlog", "pending", n, "high_water", a.highWater)
	}
	return nil
}

// limiter 策略变化（nacos 推送）时重建
func (a *Admission) limiter(tenantID string, p config.TenantPolicy) *rate.Limiter {
	burst := p.Burst
	if burst <= 0 {
		burst = int(p.RatePerSec) + 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	tl, ok := a.tenants[tenantID]
	if !ok || tl.rps != p.RatePerSec || tl.burst != burst {
		tl = &tenantLimiter{lim: rate.NewLimiter(rate.Limit(p.RatePerSec), burst), rps: p.RatePerSec, burst: burst}
		a.tenants[tenantID] = tl
	}
	return tl.lim
}
