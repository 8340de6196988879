package handlers

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// API 路由
	api := r.Group("/api")
	{
		// 设备信号上报
		api.POST("/signals/paired", h.ReportPaired)
		api.POST("/signals/unpaired", h.ReportUnpaired)
		api.POST("/signals/activity", h.ReportActivity)
		api.POST("/signals/position", h.ReportPosition)

		// 检测状态与会话
		api.GET("/state", h.GetState)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/current", h.GetCurrentSession)
		api.GET("/sessions/:id", h.GetSession)

		// 手动标记停车
		api.POST("/park", h.MarkParked)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}
