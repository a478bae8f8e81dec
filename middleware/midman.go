package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// Manager 运行期可增减的前置检查链，整体作为一个 gin 中间件挂到 Engine 上。
// 链上的函数只做检查和写上下文，不调用 c.Next()，放行由 Use 统一做。
type Manager struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

func NewManager(mids ...gin.HandlerFunc) *Manager {
	return &Manager{mids: mids}
}

// Add 注册一个中间件
func (m *Manager) Add(h ...gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h...)
}

// Clear 清空全部中间件
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mids)
}

// Use 返回总控 handler；任何一环 Abort 就不再往下走
func (m *Manager) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc(nil), m.mids...) // 快照
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
