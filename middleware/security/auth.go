package security

import (
	"strings"

	"FlareIM/middleware"
	"FlareIM/tools/errs"
	jwtsec "FlareIM/tools/security"

	"github.com/gin-gonic/gin"
)

// CtxClaimsKey 后续 handler 统一用 Claims(c) 读取
const CtxClaimsKey = "flare.claims"

type Options struct {
	Token jwtsec.Options
	// 除 Authorization: Bearer 之外再读哪个请求头，默认 "X-Flare-Token"
	HeaderToken string
	// 允许 ?token= 查询参数（浏览器 ws 握手没法带头）
	AllowQuery bool
}

func DefaultOptions(tok jwtsec.Options) Options {
	return Options{Token: tok, HeaderToken: "X-Flare-Token"}
}

func tokenOf(c *gin.Context, opts Options) string {
	if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			return strings.TrimSpace(authz[7:])
		}
	}
	if opts.HeaderToken != "" {
		if t := strings.TrimSpace(c.GetHeader(opts.HeaderToken)); t != "" {
			return t
		}
	}
	if opts.AllowQuery {
		return c.Query("token")
	}
	return ""
}

// Middleware 校验设备令牌，成功后把 claims 写进上下文
func Middleware(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenOf(c, opts)
		if token == "" {
			middleware.Fail(c, errs.ErrUnauthenticated.WrapMsg("missing token"))
			return
		}
		claims, err := jwtsec.Verify(opts.Token, token)
		if err != nil {
			middleware.Fail(c, err)
			return
		}
		c.Set(CtxClaimsKey, claims)
		c.Next()
	}
}

func Claims(c *gin.Context) (*jwtsec.DeviceClaims, bool) {
	v, ok := c.Get(CtxClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*jwtsec.DeviceClaims)
	return claims, ok
}
