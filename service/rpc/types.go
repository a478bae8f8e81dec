package rpc

import (
	"FlareIM/module/im/model"
	"FlareIM/service/storage"
)

// ===== SessionService =====

type OnlineStatusRequest struct {
	TenantID string   `json:"tenant_id"`
	UserIDs  []string `json:"user_ids"`
}

type OnlineStatusResponse struct {
	Online map[string]bool `json:"online"`
}

type ListDevicesRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

type ListDevicesResponse struct {
	Devices []model.DeviceRecord `json:"devices"`
}

// ===== GatewayService =====

// DeliverRequest DeviceID 为空时投给该用户在本网关的全部会话
type DeliverRequest struct {
	TenantID string         `json:"tenant_id"`
	UserID   string         `json:"user_id"`
	DeviceID string         `json:"device_id,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	Message  *model.Message `json:"message"`
}

type DeliverResponse struct {
	Delivered int `json:"delivered"`
}

// ===== MessageService =====

type SubmitRequest struct {
	Envelope   model.Envelope   `json:"envelope"`
	Submission model.Submission `json:"submission"`
}

type SyncRequest struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	AfterSeq       int64  `json:"after_seq,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// ===== PushService =====

// PushRequest 绕过分发器直接生成推送任务
type PushRequest struct {
	Message     *model.Message `json:"message"`
	ReceiverIDs []string       `json:"receiver_ids"`
}

type PushResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// ===== StorageService =====

type StoreRequest struct {
	Message *model.Message `json:"message"`
}

type StoreResponse struct {
	Inserted bool `json:"inserted"`
}

type BatchStoreRequest struct {
	Messages []*model.Message `json:"messages"`
}

type BatchStoreResponse struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

type MessageRef struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id"`
}

type QueryResponse struct {
	Messages []storage.Record `json:"messages"`
}

type Empty struct{}

// ===== RoutingService =====

// ResolveRequest GatewayID 非空时按网关 id 精确解析
type ResolveRequest struct {
	Service   string `json:"service"`
	GatewayID string `json:"gateway_id,omitempty"`
}

type ResolveResponse struct {
	Endpoint string `json:"endpoint"`
}
