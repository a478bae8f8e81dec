package config

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"FlareIM/logger"
	"FlareIM/service/nacos"
	"FlareIM/tools/decode"
	"FlareIM/tools/errs"
)

// TenantPolicy 租户级覆盖，在请求入口解析后随 Envelope 往下传
type TenantPolicy struct {
	Enabled         bool    `json:"enabled"`
	MaxPayloadBytes int     `json:"max_payload_bytes"`
	RatePerSec      float64 `json:"rate_per_sec"`
	Burst           int     `json:"burst"`
}

// tenantDoc nacos 中的 JSON 文档
type tenantDoc struct {
	Default *TenantPolicy           `json:"default"`
	Tenants map[string]TenantPolicy `json:"tenants"`
	// Open=true 时未登记的租户按 Default 放行
	Open bool `json:"open"`
}

type tenantSnapshot struct {
	def     TenantPolicy
	open    bool
	tenants map[string]TenantPolicy
}

// TenantDirectory 租户策略的只读快照，整体替换
type TenantDirectory struct {
	snap atomic.Pointer[tenantSnapshot]
}

// NewTenantDirectory 以进程配置生成默认策略；open=true 表示未知租户也放行
func NewTenantDirectory(o OrchestratorConfig, open bool) *TenantDirectory {
	d := &TenantDirectory{}
	d.snap.Store(&tenantSnapshot{
		def: TenantPolicy{
			Enabled:         true,
			MaxPayloadBytes: o.MaxPayloadBytes,
			RatePerSec:      o.TenantRPS,
			Burst:           o.TenantBurst,
		},
		open:    open,
		tenants: map[string]TenantPolicy{},
	})
	return d
}

// Resolve 租户未知且目录不开放 -> false
func (d *TenantDirectory) Resolve(tenantID string) (TenantPolicy, bool) {
	s := d.snap.Load()
	if p, ok := s.tenants[tenantID]; ok {
		return mergePolicy(s.def, p), p.Enabled
	}
	if s.open && tenantID != "" {
		return s.def, true
	}
	return TenantPolicy{}, false
}

// Put 单个租户登记（测试 / 管理面）
func (d *TenantDirectory) Put(tenantID string, p TenantPolicy) {
	for {
		old := d.snap.Load()
		next := &tenantSnapshot{def: old.def, open: old.open, tenants: make(map[string]TenantPolicy, len(old.tenants)+1)}
		for k, v := range old.tenants {
			next.tenants[k] = v
		}
		next.tenants[tenantID] = p
		if d.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

// Apply 用 JSON 文档整体替换快照
func (d *TenantDirectory) Apply(data []byte) error {
	strict := decode.DefaultOptions()
	strict.ErrorUnused = true
	doc, err := decode.DecodeJSON[tenantDoc](data, strict)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("decode tenant policies", "err", err)
	}
	old := d.snap.Load()
	next := &tenantSnapshot{def: old.def, open: doc.Open, tenants: map[string]TenantPolicy{}}
	if doc.Default != nil {
		next.def = mergePolicy(old.def, *doc.Default)
	}
	for id, p := range doc.Tenants {
		next.tenants[id] = p
	}
	d.snap.Store(next)
	return nil
}

func mergePolicy(def, p TenantPolicy) TenantPolicy {
	out := def
	out.Enabled = p.Enabled
	if p.MaxPayloadBytes > 0 {
		out.MaxPayloadBytes = p.MaxPayloadBytes
	}
	if p.RatePerSec > 0 {
		out.RatePerSec = p.RatePerSec
	}
	if p.Burst > 0 {
		out.Burst = p.Burst
	}
	return out
}

// WatchTenants 从 nacos 拉取并监听租户策略
func WatchTenants(ctx context.Context, c NacosConfig, d *TenantDirectory) error {
	cli, err := nacos.NewConfigClient(nacos.Options{
		Host:      c.Host,
		Port:      c.Port,
		Namespace: c.Namespace,
		Username:  c.Username,
		Password:  c.Password,
	})
	if err != nil {
		return err
	}
	return nacos.Watch(ctx, cli, c.TenantDataID, c.Group, func(data string) {
		if err := d.Apply([]byte(data)); err != nil {
			logger.Warn("[config] ignore bad tenant policy document", zap.Error(err))
		}
	})
}
