package middleware

import (
	"time"

	"FlareIM/tools/errs"
	"FlareIM/tools/ids"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderRequestID = "X-Request-ID"
	CtxRequestIDKey = "flare.request_id"
)

// RequestID 沿用调用方带来的请求 ID，没有就生成一个并回写响应头
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" || len(rid) > 128 {
			rid = ids.NewRequestID()
		}
		c.Set(CtxRequestIDKey, rid)
		c.Header(HeaderRequestID, rid)
	}
}

func RequestIDOf(c *gin.Context) string {
	return c.GetString(CtxRequestIDKey)
}

// AccessLog 包住整条链计时，必须直接挂在 Engine 上，不能放进 Manager
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)),
			zap.String("request_id", RequestIDOf(c)),
			zap.String("remote", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			log.Warn("http request", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		log.Debug("http request", fields...)
	}
}

// Fail 按错误码写 JSON 错误体并中止
func Fail(c *gin.Context, err error) {
	ce := errs.Convert(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(errs.HTTPStatus(err), gin.H{
		"code":       ce.Code,
		"msg":        ce.Msg,
		"detail":     ce.Detail,
		"retryable":  errs.IsRetryable(err),
		"request_id": RequestIDOf(c),
	})
}
