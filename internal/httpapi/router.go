package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/suPer8Hu/ai-chatroom/internal/common"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-chatroom/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	r.GET("/ping", h.Ping)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// chat
	r.GET("/ws", h.ServeWS)
	r.POST("/upload", h.Upload)
	r.GET("/download/:name", h.Download)

	// admin (JWT with admin claim)
	admin := r.Group("/admin")
	admin.Use(middleware.AdminRequired(h.Cfg.JWTSecret))
	admin.GET("/stats", h.AdminStats)
	admin.GET("/rooms", h.AdminRooms)
	admin.GET("/rooms/:room", h.AdminRoomDetail)
	admin.DELETE("/rooms/:room", h.AdminDeleteRoom)
	admin.GET("/files", h.AdminFiles)
	admin.DELETE("/files/:name", h.AdminDeleteFile)
	admin.POST("/files/cleanup", h.AdminCleanupOrphans)
	admin.GET("/ai/configs", h.AdminProviderConfigs)
	admin.PUT("/ai/configs/:variant", h.AdminUpdateProviderConfig)
	admin.PUT("/ai/provider", h.AdminSetProvider)
	admin.POST("/ai/configs/:variant/test", h.AdminTestProvider)
	return r
}
