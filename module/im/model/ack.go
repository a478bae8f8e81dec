package model

// AckStatus 投递确认状态
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
	AckFailed    AckStatus = "failed"
)

func (s AckStatus) Valid() bool {
	return s == AckDelivered || s == AckRead || s == AckFailed
}

// AckSource 区分分发完成、worker 的传输确认与客户端确认
type AckSource string

const (
	AckFromDispatcher AckSource = "dispatcher" // 该消息的推送任务已全部物化
	AckFromWorker     AckSource = "worker"
	AckFromClient     AckSource = "client"
)

// DeliveryAck 网关/worker -> 编排器
type DeliveryAck struct {
	TenantID       string    `json:"tenant_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Seq            int64     `json:"seq,omitempty"`
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	Status         AckStatus `json:"status"`
	ErrorCode      int       `json:"error_code,omitempty"`
	ClientTS       int64     `json:"client_ts,omitempty"`
	ServerTS       int64     `json:"server_ts"`
	Source         AckSource `json:"source"`
	TaskID         string    `json:"task_id,omitempty"`
}

// PersistenceAck 存储写入成功确认
type PersistenceAck struct {
	TenantID       string `json:"tenant_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	StoredAt       int64  `json:"stored_at"`
}

// Cursor (user, conversation) 的读写水位，只增不减
type Cursor struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	LastAckedSeq   int64  `json:"last_acked_seq"`
	LastReadSeq    int64  `json:"last_read_seq"`
	UpdatedTS      int64  `json:"updated_ts"`
}
