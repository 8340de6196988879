package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/langchou/parkgazer/internal/models"
)

func fixAt(t time.Time, speedKmh float64) *models.PositionFix {
	return &models.PositionFix{
		Latitude:       41.88,
		Longitude:      -87.63,
		AccuracyMeters: 10,
		SpeedKmh:       &speedKmh,
		RecordedAt:     t,
	}
}

func TestSpeedMonitorSustainedDriving(t *testing.T) {
	var fired []models.Activity
	m := NewSpeedMonitor(20, 8*time.Second, 10*time.Second)
	m.onSynthetic = func(a models.Activity, _ time.Time) {
		fired = append(fired, a)
	}

	start := time.Now()

	// 第一次超速只开窗，不触发
	m.Observe(fixAt(start, 35))
	assert.Empty(t, fired)

	// 窗口未满
	m.Observe(fixAt(start.Add(4*time.Second), 40))
	assert.Empty(t, fired)

	// 持续超过窗口：触发 automotive
	m.Observe(fixAt(start.Add(9*time.Second), 38))
	assert.Equal(t, []models.Activity{models.ActivityAutomotive}, fired)
}

func TestSpeedMonitorSustainedZeroSpeed(t *testing.T) {
	var fired []models.Activity
	m := NewSpeedMonitor(20, 8*time.Second, 10*time.Second)
	m.onSynthetic = func(a models.Activity, _ time.Time) {
		fired = append(fired, a)
	}

	start := time.Now()
	m.Observe(fixAt(start, 0))
	m.Observe(fixAt(start.Add(5*time.Second), 0))
	assert.Empty(t, fired)

	m.Observe(fixAt(start.Add(11*time.Second), 0))
	assert.Equal(t, []models.Activity{models.ActivityStationary}, fired)
}

func TestSpeedMonitorWindowResetByOppositeSignal(t *testing.T) {
	var fired []models.Activity
	m := NewSpeedMonitor(20, 8*time.Second, 10*time.Second)
	m.onSynthetic = func(a models.Activity, _ time.Time) {
		fired = append(fired, a)
	}

	start := time.Now()
	m.Observe(fixAt(start, 35))
	// 中途掉到零速：超速窗口作废
	m.Observe(fixAt(start.Add(4*time.Second), 0))
	m.Observe(fixAt(start.Add(9*time.Second), 35))
	assert.Empty(t, fired)
}

func TestSpeedMonitorLowButNonZeroSpeedResetsBoth(t *testing.T) {
	var fired []models.Activity
	m := NewSpeedMonitor(20, 8*time.Second, 10*time.Second)
	m.onSynthetic = func(a models.Activity, _ time.Time) {
		fired = append(fired, a)
	}

	start := time.Now()
	m.Observe(fixAt(start, 0))
	// 蠕行速度：两个窗口都不累计
	m.Observe(fixAt(start.Add(5*time.Second), 5))
	m.Observe(fixAt(start.Add(11*time.Second), 0))
	assert.Empty(t, fired)
}

func TestSpeedMonitorIgnoresFixWithoutSpeed(t *testing.T) {
	m := NewSpeedMonitor(20, 8*time.Second, 10*time.Second)
	m.onSynthetic = func(models.Activity, time.Time) {
		t.Fatal("should not fire")
	}
	m.Observe(&models.PositionFix{RecordedAt: time.Now()})
	m.Observe(nil)
}
