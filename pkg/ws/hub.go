package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// 下行消息类型：推给已连接设备/展示端
const (
	MsgTypeInit         = "init"                // 初始化数据（检测状态+最近会话）
	MsgTypeStateUpdate  = "state_update"        // 状态机转换
	MsgTypeNotification = "notification"        // 本地通知指令 (show/schedule/cancel)
	MsgTypeFixRequest   = "fix_request"         // 请求设备回传一次新鲜定位
	MsgTypeCadence      = "positioning_cadence" // 定位采样节奏变化
	MsgTypeError        = "error"
)

// Message WebSocket 消息结构
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// InitData 新连接的初始快照
type InitData struct {
	State   string      `json:"state"`
	Session interface{} `json:"session"`
}

// Hub 设备连接管理中心
// 信号上报走 HTTP；这条 WebSocket 通道只承载下行指令和状态推送
type Hub struct {
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex

	// 新连接的初始快照提供者
	initData func() *InitData
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetInitDataProvider 设置初始快照提供者
func (h *Hub) SetInitDataProvider(provider func() *InitData) {
	h.initData = provider
}

// Run 运行 Hub，直到 Stop 被调用
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

// Stop 停止 Hub 并断开所有客户端
func (h *Hub) Stop() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket client connected", zap.Int("total_clients", total))
	h.sendInit(client)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("WebSocket client disconnected", zap.Int("total_clients", total))
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// 慢消费者，关闭连接
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// sendInit 把当前检测状态和最近会话推给新连接
func (h *Hub) sendInit(client *Client) {
	if h.initData == nil {
		return
	}
	snapshot := h.initData()
	if snapshot == nil {
		return
	}

	data, err := json.Marshal(Message{Type: MsgTypeInit, Data: snapshot})
	if err != nil {
		h.logger.Error("Failed to marshal init data", zap.Error(err))
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("Failed to send init data, client buffer full")
	}
}

// Broadcast 向所有客户端广播原始消息
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Broadcast channel full, message dropped")
	}
}

// BroadcastMessage 广播结构化消息
func (h *Hub) BroadcastMessage(msgType string, data interface{}) {
	jsonData, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}
	h.Broadcast(jsonData)
}

// BroadcastStateUpdate 广播状态机转换
func (h *Hub) BroadcastStateUpdate(transition interface{}) {
	h.BroadcastMessage(MsgTypeStateUpdate, transition)
}

// RequestFix 请求所有在线设备回传一次新鲜定位
func (h *Hub) RequestFix() {
	h.BroadcastMessage(MsgTypeFixRequest, nil)
}

// BroadcastCadence 通知设备调整定位采样节奏
func (h *Hub) BroadcastCadence(cadence string) {
	h.BroadcastMessage(MsgTypeCadence, map[string]string{"cadence": cadence})
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
