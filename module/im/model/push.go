package model

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// TaskState 推送任务状态机
type TaskState string

const (
	TaskReady          TaskState = "READY"
	TaskInFlight       TaskState = "IN_FLIGHT"
	TaskDelivered      TaskState = "DELIVERED"
	TaskRetryScheduled TaskState = "RETRY_SCHEDULED"
	TaskDLQ            TaskState = "DLQ"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskReady:          {TaskInFlight},
	TaskInFlight:       {TaskDelivered, TaskRetryScheduled, TaskDLQ},
	TaskRetryScheduled: {TaskReady},
}

// CanTransition 状态机边表
func (s TaskState) CanTransition(to TaskState) bool {
	for _, n := range taskTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

func (s TaskState) Terminal() bool { return s == TaskDelivered || s == TaskDLQ }

// PushTask 每个接收者（设备）一条
type PushTask struct {
	TaskID           string    `json:"task_id"`
	TenantID         string    `json:"tenant_id"`
	MessageID        string    `json:"message_id"`
	ConversationID   string    `json:"conversation_id"`
	Seq              int64     `json:"seq"`
	ReceiverUserID   string    `json:"receiver_user_id"`
	ReceiverDeviceID string    `json:"receiver_device_id,omitempty"` // 为空时 worker 查在线目录
	OnlineHint       bool      `json:"online_hint"`
	RequireOnline    bool      `json:"require_online"`
	PersistIfOffline bool      `json:"persist_if_offline"`
	Priority         Priority  `json:"priority"`
	AttemptCount     int       `json:"attempt_count"`
	VisibleAt        time.Time `json:"visible_at"`
	State            TaskState `json:"state"`
	Notification     bool      `json:"notification,omitempty"`
	Message          *Message  `json:"message,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// TaskID 确定性 id：同一 (message, user, device) 重发得到同一个 id
func TaskID(messageID, userID, deviceID string) string {
	h := sha1.Sum([]byte(messageID + "|" + userID + "|" + deviceID))
	return hex.EncodeToString(h[:])
}

// DeadLetter DLQ 记录
type DeadLetter struct {
	Task     *PushTask `json:"task,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
	Source   string    `json:"source"`
}
