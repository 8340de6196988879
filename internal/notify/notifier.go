package notify

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/pkg/ws"
)

// Notifier 本地通知投递原语
// 实际的系统通知由客户端设备完成，这里只负责下发指令
type Notifier interface {
	ShowNow(title, body string)
	ScheduleAt(fireAt time.Time, title, body, tag string)
	CancelByTag(tagPrefix string)
}

// 下发到客户端的通知指令
const (
	actionShow     = "show"
	actionSchedule = "schedule"
	actionCancel   = "cancel"
)

type command struct {
	Action string     `json:"action"`
	Title  string     `json:"title,omitempty"`
	Body   string     `json:"body,omitempty"`
	FireAt *time.Time `json:"fire_at,omitempty"`
	Tag    string     `json:"tag,omitempty"`
}

// HubNotifier 经 WebSocket Hub 广播通知指令
type HubNotifier struct {
	hub    *ws.Hub
	logger *zap.Logger
}

// NewHubNotifier 创建 Hub 通知器
func NewHubNotifier(hub *ws.Hub, logger *zap.Logger) *HubNotifier {
	return &HubNotifier{hub: hub, logger: logger}
}

// ShowNow 立即展示通知
func (n *HubNotifier) ShowNow(title, body string) {
	n.send(command{Action: actionShow, Title: title, Body: body})
}

// ScheduleAt 定时通知
func (n *HubNotifier) ScheduleAt(fireAt time.Time, title, body, tag string) {
	n.send(command{Action: actionSchedule, Title: title, Body: body, FireAt: &fireAt, Tag: tag})
}

// CancelByTag 按标签前缀取消
func (n *HubNotifier) CancelByTag(tagPrefix string) {
	n.send(command{Action: actionCancel, Tag: tagPrefix})
}

func (n *HubNotifier) send(cmd command) {
	data, err := json.Marshal(ws.Message{Type: ws.MsgTypeNotification, Data: cmd})
	if err != nil {
		n.logger.Error("Failed to marshal notification command", zap.Error(err))
		return
	}
	n.hub.Broadcast(data)
}
