package signal

import (
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
)

// PairingAdapter 配对信号平台适配器
// 以已知设备的配对/解配对作为唯一的 Connected/Disconnected 来源，不做运动分类
type PairingAdapter struct {
	logger *zap.Logger
	events chan Event
	closed chan struct{}
}

// NewPairingAdapter 创建配对信号适配器
func NewPairingAdapter(logger *zap.Logger) *PairingAdapter {
	return &PairingAdapter{
		logger: logger,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
}

// Events 归一化事件流
func (a *PairingAdapter) Events() <-chan Event {
	return a.events
}

// Close 关闭适配器
func (a *PairingAdapter) Close() {
	close(a.closed)
}

// ReportPaired 设备上报与车机配对成功
func (a *PairingAdapter) ReportPaired(at time.Time) {
	a.emit(Event{Kind: EventConnected, At: at})
}

// ReportUnpaired 设备上报配对断开
func (a *PairingAdapter) ReportUnpaired(at time.Time) {
	a.emit(Event{Kind: EventDisconnected, At: at})
}

// ReportFix 设备上报定位
func (a *PairingAdapter) ReportFix(fix *models.PositionFix, whileDriving bool) {
	a.emit(Event{Kind: EventPositionUpdate, Fix: fix, WhileDriving: whileDriving, At: fix.RecordedAt})
}

func (a *PairingAdapter) emit(e Event) {
	select {
	case <-a.closed:
	case a.events <- e:
	default:
		// 消费方落后时丢弃最旧语义不可取，这里丢弃新事件并告警
		a.logger.Warn("Signal event dropped, consumer too slow", zap.String("kind", string(e.Kind)))
	}
}
