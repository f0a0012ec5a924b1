package middleware

import (
	"net/http"
	"sync"
	"time"

	"ChatCore/logger"
	"ChatCore/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Chain 运行期可增删的全局中间件，挂在 Engine 上作为总控
type Chain struct {
	mu   sync.RWMutex
	mids []gin.HandlerFunc
}

func NewChain(h ...gin.HandlerFunc) *Chain {
	return &Chain{mids: h}
}

func (m *Chain) Add(h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = append(m.mids, h)
}

func (m *Chain) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mids = nil
}

// Use 按快照顺序执行；任一中间件 Abort 即停止
func (m *Chain) Use() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := append([]gin.HandlerFunc{}, m.mids...)
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

// AccessLog 请求日志；ws 升级请求在连接关闭后才返回，耗时即会话时长
func AccessLog() gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)),
			zap.String("remote", c.ClientIP()),
		)
	}
}

// Recovery panic 转成 500 + CodeError
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err := errs.ErrPanic(r)
				logger.Error("http panic", zap.String("path", c.Request.URL.Path), zap.Error(err))
				ce := errs.ErrInternal.WithDetail("panic")
				c.AbortWithStatusJSON(http.StatusInternalServerError, ce)
			}
		}()
		c.Next()
	}
}
