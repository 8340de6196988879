package signal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
)

// Cadence 定位采样节奏
// 停车后降为 KeepAlive 而不是完全停止：完全停止定位会让宿主进程被挂起，
// 分类器回调随之丢失，后续的驶离检测就静默失效了
type Cadence string

const (
	CadenceFullRate  Cadence = "full_rate"
	CadenceKeepAlive Cadence = "keep_alive"
)

// MotionAdapter 运动分类器平台适配器
// 分类器常驻订阅；置信度低于阈值按无信号处理，不触发任何转换
type MotionAdapter struct {
	logger        *zap.Logger
	events        chan Event
	closed        chan struct{}
	minConfidence models.Confidence
	speed         *SpeedMonitor

	mu            sync.Mutex
	cadence       Cadence
	lastActivity  models.Activity
	onCadence     func(Cadence)
}

// NewMotionAdapter 创建分类器适配器
func NewMotionAdapter(logger *zap.Logger, minConfidence models.Confidence, speed *SpeedMonitor) *MotionAdapter {
	a := &MotionAdapter{
		logger:        logger,
		events:        make(chan Event, 64),
		closed:        make(chan struct{}),
		minConfidence: minConfidence,
		cadence:       CadenceKeepAlive,
		speed:         speed,
	}
	if speed != nil {
		speed.onSynthetic = a.emitSynthetic
	}
	return a
}

// Events 归一化事件流
func (a *MotionAdapter) Events() <-chan Event {
	return a.events
}

// Close 关闭适配器
func (a *MotionAdapter) Close() {
	close(a.closed)
}

// OnCadenceChange 设置采样节奏变化回调 (用于回传给设备)
func (a *MotionAdapter) OnCadenceChange(fn func(Cadence)) {
	a.mu.Lock()
	a.onCadence = fn
	a.mu.Unlock()
}

// Cadence 当前采样节奏
func (a *MotionAdapter) Cadence() Cadence {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cadence
}

// ReportActivity 分类器上报活动类别
func (a *MotionAdapter) ReportActivity(activity models.Activity, confidence models.Confidence, at time.Time) {
	if confidence < a.minConfidence {
		// 低置信度视为无信号
		a.logger.Debug("Activity below confidence threshold, ignored",
			zap.String("activity", string(activity)),
			zap.Int("confidence", int(confidence)))
		return
	}

	a.mu.Lock()
	a.lastActivity = activity
	a.mu.Unlock()

	if activity == models.ActivityAutomotive {
		a.setCadence(CadenceFullRate)
	}

	a.emit(Event{Kind: EventActivityClassified, Activity: activity, Confidence: confidence, At: at})
}

// ReportFix 设备上报定位；同时喂给速度兜底
func (a *MotionAdapter) ReportFix(fix *models.PositionFix, whileDriving bool) {
	if a.speed != nil {
		a.speed.Observe(fix)
	}
	a.emit(Event{Kind: EventPositionUpdate, Fix: fix, WhileDriving: whileDriving, At: fix.RecordedAt})
}

// NotifyParked 停车确认后降低采样节奏 (由编排器在 parked 转换后调用)
func (a *MotionAdapter) NotifyParked() {
	a.setCadence(CadenceKeepAlive)
}

func (a *MotionAdapter) setCadence(c Cadence) {
	a.mu.Lock()
	changed := a.cadence != c
	a.cadence = c
	fn := a.onCadence
	a.mu.Unlock()

	if changed {
		a.logger.Info("Positioning cadence changed", zap.String("cadence", string(c)))
		if fn != nil {
			fn(c)
		}
	}
}

// emitSynthetic 速度兜底生成的合成分类事件
// 只在主分类器尚未给出对应结论时补位，覆盖短途行程的分类延迟
func (a *MotionAdapter) emitSynthetic(activity models.Activity, at time.Time) {
	a.mu.Lock()
	last := a.lastActivity
	a.mu.Unlock()

	if last == activity {
		return
	}

	a.mu.Lock()
	a.lastActivity = activity
	a.mu.Unlock()

	if activity == models.ActivityAutomotive {
		a.setCadence(CadenceFullRate)
	}

	a.logger.Info("Synthetic activity from speed fallback", zap.String("activity", string(activity)))
	a.emit(Event{
		Kind:       EventActivityClassified,
		Activity:   activity,
		Confidence: models.ConfidenceHigh,
		Synthetic:  true,
		At:         at,
	})
}

func (a *MotionAdapter) emit(e Event) {
	select {
	case <-a.closed:
	case a.events <- e:
	default:
		a.logger.Warn("Signal event dropped, consumer too slow", zap.String("kind", string(e.Kind)))
	}
}
