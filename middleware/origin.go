package middleware

import (
	"net/url"
	"strings"

	"FlareIM/tools/errs"

	"github.com/gin-gonic/gin"
)

// Origin 浏览器跨站握手的白名单校验；allowed 为空表示不限制。
// 原生客户端不带 Origin 头，直接放行。
func Origin(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	open := false
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "*" {
			open = true
		}
		set[a] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(set) == 0 || open {
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" {
			return
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			Fail(c, errs.ErrPermissionDenied.WrapMsg("bad origin", "origin", origin))
			return
		}
		if _, ok := set[strings.ToLower(u.Host)]; ok {
			return
		}
		if _, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]; ok {
			return
		}
		Fail(c, errs.ErrPermissionDenied.WrapMsg("origin not allowed", "origin", origin))
	}
}
