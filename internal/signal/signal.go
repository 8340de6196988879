package signal

import (
	"time"

	"github.com/langchou/parkgazer/internal/models"
)

// EventKind 归一化信号事件类型
type EventKind string

const (
	EventConnected          EventKind = "connected"           // 与车辆建立连接 (配对/行驶判定)
	EventDisconnected       EventKind = "disconnected"        // 连接断开
	EventActivityClassified EventKind = "activity_classified" // 运动分类器结果
	EventPositionUpdate     EventKind = "position_update"     // 定位更新
)

// Event 适配器对外暴露的统一事件流元素
type Event struct {
	Kind         EventKind           `json:"kind"`
	Activity     models.Activity     `json:"activity,omitempty"`
	Confidence   models.Confidence   `json:"confidence,omitempty"`
	Fix          *models.PositionFix `json:"fix,omitempty"`
	WhileDriving bool                `json:"while_driving,omitempty"`
	Synthetic    bool                `json:"synthetic,omitempty"` // 由速度兜底生成
	At           time.Time           `json:"at"`
}

// Adapter 平台信号源适配器
// 两个实现：pairing (短距配对信号) 与 motion (运动分类器+定位)
type Adapter interface {
	Events() <-chan Event
	Close()
}
