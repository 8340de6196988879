package signal

import (
	"sync"
	"time"

	"github.com/langchou/parkgazer/internal/models"
)

// SpeedMonitor 基于原始 GPS 速度的兜底判定
// 分类器在短途行程上可能迟迟不给结论；持续超速窗口可以独立判定行驶，
// 持续零速窗口可以独立判定静止
type SpeedMonitor struct {
	thresholdKmh float64
	movingWindow time.Duration // 速度需持续超阈值的时长
	zeroWindow   time.Duration // 零速需持续的时长

	mu          sync.Mutex
	movingSince *time.Time // 首次观测到超阈值速度的时刻
	zeroSince   *time.Time // 首次观测到零速的时刻
	onSynthetic func(models.Activity, time.Time)
}

// NewSpeedMonitor 创建速度兜底监测
func NewSpeedMonitor(thresholdKmh float64, movingWindow, zeroWindow time.Duration) *SpeedMonitor {
	return &SpeedMonitor{
		thresholdKmh: thresholdKmh,
		movingWindow: movingWindow,
		zeroWindow:   zeroWindow,
	}
}

// Observe 观测一条带速度的定位
func (m *SpeedMonitor) Observe(fix *models.PositionFix) {
	if fix == nil || fix.SpeedKmh == nil {
		return
	}

	var fire models.Activity

	m.mu.Lock()
	at := fix.RecordedAt
	speed := *fix.SpeedKmh

	switch {
	case speed >= m.thresholdKmh:
		m.zeroSince = nil
		if m.movingSince == nil {
			t := at
			m.movingSince = &t
		} else if at.Sub(*m.movingSince) >= m.movingWindow {
			m.movingSince = nil
			fire = models.ActivityAutomotive
		}

	case speed <= 0.5: // GPS 噪声下的零速
		m.movingSince = nil
		if m.zeroSince == nil {
			t := at
			m.zeroSince = &t
		} else if at.Sub(*m.zeroSince) >= m.zeroWindow {
			m.zeroSince = nil
			fire = models.ActivityStationary
		}

	default:
		// 低速但非零：两个窗口都不累计
		m.movingSince = nil
		m.zeroSince = nil
	}
	fn := m.onSynthetic
	m.mu.Unlock()

	if fire != "" && fn != nil {
		fn(fire, at)
	}
}
