package model

import (
	"strings"
	"time"
)

// WalState 以位标记合并确认，先到后到都不会回退
type WalState int

const (
	WalPending      WalState = 0
	WalStorageAcked WalState = 1
	WalFanoutAcked  WalState = 2
	WalDone         WalState = WalStorageAcked | WalFanoutAcked
	// WalStorageDead 存储写入已进 DLQ，等运维处理；恢复扫描不再重发存储流
	WalStorageDead WalState = 4

	walMask = WalDone | WalStorageDead
)

func (s WalState) String() string {
	switch s {
	case WalPending:
		return "pending"
	case WalDone:
		return "done"
	}
	var parts []string
	if s&WalStorageAcked != 0 {
		parts = append(parts, "storage_acked")
	}
	if s&WalFanoutAcked != 0 {
		parts = append(parts, "fanout_acked")
	}
	if s&WalStorageDead != 0 {
		parts = append(parts, "storage_dead")
	}
	if len(parts) == 0 || s&^walMask != 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Merge 合并后的状态，只增不减
func (s WalState) Merge(o WalState) WalState { return (s | o) & walMask }

// Valid 只含已知位
func (s WalState) Valid() bool { return s >= 0 && s&^walMask == 0 }

// Done 两路都确认，可以裁剪
func (s WalState) Done() bool { return s&WalDone == WalDone }

// StorageSettled 存储已确认或已进 DLQ
func (s WalState) StorageSettled() bool { return s&(WalStorageAcked|WalStorageDead) != 0 }

// Settled 恢复扫描无事可做
func (s WalState) Settled() bool { return s.StorageSettled() && s&WalFanoutAcked != 0 }

// WalEntry 写前日志条目
type WalEntry struct {
	Offset         int64     `json:"offset"`
	SubmissionID   string    `json:"submission_id"`
	TenantID       string    `json:"tenant_id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	RawPayload     []byte    `json:"raw_payload"` // 冻结后的 Message JSON
	IngestionTS    time.Time `json:"ingestion_ts"`
	State          WalState  `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
}
