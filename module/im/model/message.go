package model

// MessageKind 消息种类
type MessageKind string

const (
	KindChat         MessageKind = "chat"
	KindNotification MessageKind = "notification"
	KindSystem       MessageKind = "system"
	KindRecall       MessageKind = "recall"
	KindEdit         MessageKind = "edit"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindChat, KindNotification, KindSystem, KindRecall, KindEdit:
		return true
	}
	return false
}

// Patch recall/edit 是对原消息的补丁，必须带 original_message_id
func (k MessageKind) Patch() bool { return k == KindRecall || k == KindEdit }

// ConversationType 会话类型
type ConversationType string

const (
	ConvP2P      ConversationType = "p2p"
	ConvGroup    ConversationType = "group"
	ConvChatroom ConversationType = "chatroom"
	ConvSystem   ConversationType = "system"
)

// Sender 发送方
type Sender struct {
	UserID   string `json:"user_id" bson:"user_id"`
	DeviceID string `json:"device_id" bson:"device_id"`
}

// Payload 不透明内容 + MIME
type Payload struct {
	Data []byte `json:"data" bson:"data"`
	MIME string `json:"mime,omitempty" bson:"mime,omitempty"`
}

// DeliveryOptions 推送策略，随消息一路带到 PushTask
type DeliveryOptions struct {
	RequireOnline    bool     `json:"require_online,omitempty" bson:"require_online,omitempty"`
	PersistIfOffline bool     `json:"persist_if_offline" bson:"persist_if_offline"`
	Priority         Priority `json:"priority,omitempty" bson:"priority,omitempty"`
}

// Message 接收之后由编排器冻结，不再修改
type Message struct {
	TenantID          string            `json:"tenant_id" bson:"tenant_id"`
	MessageID         string            `json:"message_id" bson:"message_id"`
	ConversationID    string            `json:"conversation_id" bson:"conversation_id"`
	ConversationType  ConversationType  `json:"conversation_type" bson:"conversation_type"`
	Sender            Sender            `json:"sender" bson:"sender"`
	Kind              MessageKind       `json:"kind" bson:"kind"`
	Payload           Payload           `json:"payload" bson:"payload"`
	ClientTS          int64             `json:"client_ts" bson:"client_ts"` // unix ms
	ServerTS          int64             `json:"server_ts" bson:"server_ts"` // unix ms
	Seq               int64             `json:"seq" bson:"seq"`
	Attributes        map[string]string `json:"attributes,omitempty" bson:"attributes,omitempty"`
	Attachments       []string          `json:"attachments,omitempty" bson:"attachments,omitempty"`
	OriginalMessageID string            `json:"original_message_id,omitempty" bson:"original_message_id,omitempty"`
	ReceiverIDs       []string          `json:"receiver_ids,omitempty" bson:"receiver_ids,omitempty"`
	Delivery          DeliveryOptions   `json:"delivery" bson:"delivery"`
}

// Clone 深拷贝（hook 改写、缓存返回时用，避免共享底层切片）
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload.Data != nil {
		c.Payload.Data = append([]byte(nil), m.Payload.Data...)
	}
	if m.Attributes != nil {
		c.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			c.Attributes[k] = v
		}
	}
	if m.Attachments != nil {
		c.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.ReceiverIDs != nil {
		c.ReceiverIDs = append([]string(nil), m.ReceiverIDs...)
	}
	return &c
}

// Submission 网关送进编排器的一次提交
type Submission struct {
	MessageID         string            `json:"message_id"`
	ConversationID    string            `json:"conversation_id"`
	ConversationType  ConversationType  `json:"conversation_type"`
	Kind              MessageKind       `json:"kind"`
	Payload           Payload           `json:"payload"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Attachments       []string          `json:"attachments,omitempty"`
	ClientTS          int64             `json:"client_ts"`
	OriginalMessageID string            `json:"original_message_id,omitempty"`
	ReceiverIDs       []string          `json:"receiver_ids,omitempty"`
	Delivery          DeliveryOptions   `json:"delivery"`
}

// SubmitResult 返回给网关的结果；重复提交返回第一次的结果
type SubmitResult struct {
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
	ServerTS  int64  `json:"server_ts"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
