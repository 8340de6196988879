package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/langchou/parkgazer/internal/models"
)

// ReportPaired 设备上报配对成功 (仅配对信号平台)
func (h *Handler) ReportPaired(c *gin.Context) {
	if h.pairing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pairing signals not supported on this platform"})
		return
	}
	h.pairing.ReportPaired(time.Now())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReportUnpaired 设备上报配对断开 (仅配对信号平台)
func (h *Handler) ReportUnpaired(c *gin.Context) {
	if h.pairing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Pairing signals not supported on this platform"})
		return
	}
	h.pairing.ReportUnpaired(time.Now())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReportActivity 设备上报运动分类 (仅分类器平台)
func (h *Handler) ReportActivity(c *gin.Context) {
	if h.motion == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Activity signals not supported on this platform"})
		return
	}

	var req struct {
		Activity   string `json:"activity" binding:"required"`
		Confidence string `json:"confidence" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	activity, ok := parseActivity(req.Activity)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown activity"})
		return
	}
	confidence, ok := parseConfidence(req.Confidence)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown confidence"})
		return
	}

	h.motion.ReportActivity(activity, confidence, time.Now())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReportPosition 设备上报定位 (两个平台通用)
func (h *Handler) ReportPosition(c *gin.Context) {
	// 指针字段区分 "缺字段" 和合法的 0 坐标 (赤道/本初子午线)
	var req struct {
		Latitude       *float64   `json:"latitude" binding:"required"`
		Longitude      *float64   `json:"longitude" binding:"required"`
		AccuracyMeters float64    `json:"accuracy_meters"`
		SpeedKmh       *float64   `json:"speed_kmh,omitempty"`
		RecordedAt     *time.Time `json:"recorded_at,omitempty"`
		WhileDriving   bool       `json:"while_driving"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	fix := &models.PositionFix{
		Latitude:       *req.Latitude,
		Longitude:      *req.Longitude,
		AccuracyMeters: req.AccuracyMeters,
		SpeedKmh:       req.SpeedKmh,
		RecordedAt:     time.Now(),
	}
	if req.RecordedAt != nil {
		fix.RecordedAt = *req.RecordedAt
	}

	switch {
	case h.pairing != nil:
		h.pairing.ReportFix(fix, req.WhileDriving)
	case h.motion != nil:
		h.motion.ReportFix(fix, req.WhileDriving)
	}

	// 唤醒等待新鲜定位的获取请求
	h.remoteSource.Deliver(fix)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseActivity(s string) (models.Activity, bool) {
	switch models.Activity(s) {
	case models.ActivityAutomotive, models.ActivityStationary, models.ActivityWalking:
		return models.Activity(s), true
	}
	return "", false
}

func parseConfidence(s string) (models.Confidence, bool) {
	switch s {
	case "low":
		return models.ConfidenceLow, true
	case "medium":
		return models.ConfidenceMedium, true
	case "high":
		return models.ConfidenceHigh, true
	}
	return 0, false
}
