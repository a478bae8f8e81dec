package model

import "time"

// Envelope 请求上下文：随每次 RPC / 帧携带
type Envelope struct {
	RequestID  string    `json:"request_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	TenantID   string    `json:"tenant_id"`
	UserID     string    `json:"user_id"`
	DeviceID   string    `json:"device_id"`
	SessionID  string    `json:"session_id"`
	GatewayID  string    `json:"gateway_id,omitempty"`
	TokenEpoch int64     `json:"token_epoch,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`
	// 租户级覆盖在入口解析后写入，0 表示使用进程默认值
	MaxPayloadBytes int `json:"max_payload_bytes,omitempty"`
}
