package model

import (
	"strings"
	"time"
)

// Priority 设备优先级
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "normal"
}

// NetworkType 网络类型
type NetworkType string

const (
	NetWired NetworkType = "wired"
	NetWiFi  NetworkType = "wifi"
	Net5G    NetworkType = "5g"
	Net4G    NetworkType = "4g"
	Net3G    NetworkType = "3g"
)

// ConnectionQuality 客户端上报的链路质量
type ConnectionQuality struct {
	RTTMs        int64       `json:"rtt_ms"`
	LossRate     float64     `json:"loss_rate"`
	NetworkType  NetworkType `json:"network_type,omitempty"`
	LastMeasured time.Time   `json:"last_measured"`
}

// Score 0~100；RTT 和丢包扣分，网络类型加分
func (q ConnectionQuality) Score() float64 {
	s := 100.0
	rtt := float64(q.RTTMs) / 10
	if rtt > 50 {
		rtt = 50
	}
	if rtt > 0 {
		s -= rtt
	}
	loss := q.LossRate
	if loss < 0 {
		loss = 0
	}
	if loss > 1 {
		loss = 1
	}
	s -= loss * 50
	switch q.NetworkType {
	case NetWired, NetWiFi:
		s += 10
	case Net5G:
		s += 5
	}
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// ConflictPolicy 同一用户多设备登录时的处理
type ConflictPolicy string

const (
	PolicyKickOthers ConflictPolicy = "kick_others"
	PolicyRejectNew  ConflictPolicy = "reject_new"
	PolicyCoexist    ConflictPolicy = "coexist"
)

func ParsePolicy(s string) ConflictPolicy {
	switch ConflictPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyKickOthers:
		return PolicyKickOthers
	case PolicyRejectNew:
		return PolicyRejectNew
	default:
		return PolicyCoexist
	}
}

// DeviceRecord 在线目录中的一条设备记录，(user_id, device_id) 唯一
type DeviceRecord struct {
	TenantID   string            `json:"tenant_id"`
	UserID     string            `json:"user_id"`
	DeviceID   string            `json:"device_id"`
	Platform   string            `json:"platform,omitempty"`
	GatewayID  string            `json:"gateway_id"`
	ServerID   string            `json:"server_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Priority   Priority          `json:"priority"`
	TokenEpoch int64             `json:"token_epoch"`
	Quality    ConnectionQuality `json:"quality"`
	LastSeenAt time.Time         `json:"last_seen_at"`
	Kicked     bool              `json:"kicked,omitempty"`
	KickReason string            `json:"kick_reason,omitempty"`
	TTLMs      int64             `json:"ttl_ms"`
}

// Online 未被踢的记录才算在线
func (d *DeviceRecord) Online() bool { return d != nil && !d.Kicked }

// BetterThan 选最佳设备：优先级、质量分、最近活跃依次降序，device_id 升序兜底
func (d *DeviceRecord) BetterThan(o *DeviceRecord) bool {
	if d.Priority != o.Priority {
		return d.Priority > o.Priority
	}
	ds, os := d.Quality.Score(), o.Quality.Score()
	if ds != os {
		return ds > os
	}
	if !d.LastSeenAt.Equal(o.LastSeenAt) {
		return d.LastSeenAt.After(o.LastSeenAt)
	}
	return d.DeviceID < o.DeviceID
}
