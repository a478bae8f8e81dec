package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID 会话ID / 服务端消息ID：按时间有序，同毫秒内单调
func NewULID() string {
	return NewULIDAt(time.Now())
}

func NewULIDAt(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), ulidEntropy).String()
}

// ValidULID 校验客户端带上来的 ULID
func ValidULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewRequestID request_id / trace_id
func NewRequestID() string {
	return uuid.NewString()
}
