package eventbus

import (
	"encoding/json"
	"time"

	"FlareIM/module/im/model"
	"FlareIM/tools/errs"
)

// 事件名同时作为跨节点桥接的 subject 后缀
const (
	NameSessionTerminated = "session.terminated"
	NameDeviceKicked      = "device.kicked"
	NamePersistenceFailed = "persistence.failed"
	NameDeliveryDropped   = "delivery.dropped"
)

type Event interface {
	EventName() string
}

// SessionTerminated 会话过期或被终止（网关发出，在线目录订阅）
type SessionTerminated struct {
	Session model.Session `json:"session"`
	Reason  string        `json:"reason"`
	At      time.Time     `json:"at"`
}

func (SessionTerminated) EventName() string { return NameSessionTerminated }

// DeviceKicked kick_others 策略下被挤下线的设备
type DeviceKicked struct {
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	GatewayID string    `json:"gateway_id"`
	SessionID string    `json:"session_id,omitempty"`
	ByDevice  string    `json:"by_device,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

func (DeviceKicked) EventName() string { return NameDeviceKicked }

// PersistenceFailed 存储重试耗尽，消息进入 DLQ，WAL 保持 pending 等运维处理
type PersistenceFailed struct {
	TenantID       string    `json:"tenant_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

func (PersistenceFailed) EventName() string { return NamePersistenceFailed }

// DeliveryDropped require_online 且离线不保留时丢弃（审计）
type DeliveryDropped struct {
	TenantID       string    `json:"tenant_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

func (DeliveryDropped) EventName() string { return NameDeliveryDropped }

// Decode 按事件名还原具体类型（桥接入站用）
func Decode(name string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch name {
	case NameSessionTerminated:
		var v SessionTerminated
		err = json.Unmarshal(data, &v)
		ev = v
	case NameDeviceKicked:
		var v DeviceKicked
		err = json.Unmarshal(data, &v)
		ev = v
	case NamePersistenceFailed:
		var v PersistenceFailed
		err = json.Unmarshal(data, &v)
		ev = v
	case NameDeliveryDropped:
		var v DeliveryDropped
		err = json.Unmarshal(data, &v)
		ev = v
	default:
		return nil, errs.ErrInvalidArgument.WrapMsg("unknown event", "name", name)
	}
	if err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("decode event", "name", name, "err", err)
	}
	return ev, nil
}
