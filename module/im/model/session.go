package model

import "time"

// SessionState 会话生命周期
type SessionState int

const (
	SessionLogin SessionState = iota + 1
	SessionConnected
	SessionActive
	SessionExpired
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionLogin:
		return "LOGIN"
	case SessionConnected:
		return "CONNECTED"
	case SessionActive:
		return "ACTIVE"
	case SessionExpired:
		return "EXPIRED"
	case SessionTerminated:
		return "TERMINATED"
	}
	return "UNKNOWN"
}

// Session 网关本地的一条会话
type Session struct {
	SessionID       string       `json:"session_id"`
	TenantID        string       `json:"tenant_id"`
	UserID          string       `json:"user_id"`
	DeviceID        string       `json:"device_id"`
	DevicePlatform  string       `json:"device_platform"`
	GatewayID       string       `json:"gateway_id"`
	ConnectionID    string       `json:"connection_id,omitempty"` // 绑定传输前为空
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	TokenEpoch      int64        `json:"token_epoch"`
	State           SessionState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Terminal 过期或被终止
func (s *Session) Terminal() bool {
	return s.State == SessionExpired || s.State == SessionTerminated
}

// 终止原因
const (
	ReasonExpired  = "expired"
	ReasonLogout   = "logout"
	ReasonKicked   = "kicked"
	ReasonReplaced = "replaced"
	ReasonAuth     = "auth_failed"
)
