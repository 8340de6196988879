package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/repository"
	"github.com/langchou/parkgazer/internal/state"
)

// GetState 当前检测状态 (只读快照)
func (h *Handler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state": h.sessionService.CurrentState(),
	})
}

// GetCurrentSession 当前/最近一次停车会话
func (h *Handler) GetCurrentSession(c *gin.Context) {
	session := h.sessionService.CurrentSession()
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No parking session yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

// GetSession 会话详情
func (h *Handler) GetSession(c *gin.Context) {
	session, err := h.sessionRepo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to get session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

// ListSessions 停车会话列表
func (h *Handler) ListSessions(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	offset := (page - 1) * perPage

	sessions, err := h.sessionRepo.ListRecent(c.Request.Context(), perPage, offset)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list sessions"})
		return
	}

	total, _ := h.sessionRepo.Count(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"data": sessions,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// MarkParked 手动标记停车
// driving/parking_pending 下返回 409，让信号自然收敛；已 parked 时幂等成功
func (h *Handler) MarkParked(c *gin.Context) {
	if err := h.sessionService.MarkParked(c.Request.Context()); err != nil {
		if errors.Is(err, state.ErrManualParkRefused) {
			c.JSON(http.StatusConflict, gin.H{"error": "Cannot mark parked while driving"})
			return
		}
		h.logger.Error("Manual park failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Could not determine position"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": h.sessionService.CurrentState()})
}
