package gateway

import (
	"net/http"
	"strings"

	"FlareIM/logger"
	"FlareIM/middleware"
	midsec "FlareIM/middleware/security"
	"FlareIM/module/im/model"
	"FlareIM/tools/errs"

	"github.com/gin-gonic/gin"
)

const maxOnlineQuery = 200

// Routes gin 路由：/ws 升级，/healthz，/metrics，以及带鉴权的 /v1 查询接口
func (s *Server) Routes(metricsHandler http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.AccessLog(s.log.Named("http")))
	r.Use(middleware.NewManager(middleware.RequestID()).Use())

	r.GET("/ws", middleware.Origin(s.opts.AllowedOrigins), s.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway_id": s.opts.GatewayID, "connections": s.ConnCount()})
	})
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}
	r.Any("/loglevel", gin.WrapH(logger.LevelHandler()))

	v1 := middleware.NewRouter(r.Group("/v1"), midsec.Middleware(midsec.DefaultOptions(s.deps.Auth)))
	v1.GET("/devices", s.httpDevices, middleware.RouteOpt{IsAuth: true})
	v1.GET("/online", s.httpOnline, middleware.RouteOpt{IsAuth: true})
	return r
}

// httpDevices 调用者自己名下的设备（多端管理页）
func (s *Server) httpDevices(c *gin.Context) {
	claims, _ := midsec.Claims(c)
	recs, err := s.deps.Presence.List(c.Request.Context(), claims.UserID)
	if err != nil {
		middleware.Fail(c, err)
		return
	}
	out := make([]model.DeviceRecord, 0, len(recs))
	for _, r := range recs {
		if r.TenantID == claims.TenantID {
			out = append(out, r)
		}
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// httpOnline ?user_ids=a,b,c；只认同租户的在线设备
func (s *Server) httpOnline(c *gin.Context) {
	claims, _ := midsec.Claims(c)
	var users []string
	for _, u := range strings.Split(c.Query("user_ids"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		middleware.Fail(c, errs.ErrInvalidArgument.WrapMsg("user_ids required"))
		return
	}
	if len(users) > maxOnlineQuery {
		middleware.Fail(c, errs.ErrInvalidArgument.WrapMsg("too many user_ids", "max", maxOnlineQuery))
		return
	}
	online := make(map[string]bool, len(users))
	for _, u := range users {
		if _, done := online[u]; done {
			continue
		}
		recs, err := s.deps.Presence.List(c.Request.Context(), u)
		if err != nil {
			middleware.Fail(c, err)
			return
		}
		online[u] = false
		for _, r := range recs {
			if r.TenantID == claims.TenantID && r.Online() {
				online[u] = true
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"online": online})
}
