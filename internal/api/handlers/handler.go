package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/position"
	"github.com/langchou/parkgazer/internal/repository"
	"github.com/langchou/parkgazer/internal/service"
	"github.com/langchou/parkgazer/internal/signal"
	"github.com/langchou/parkgazer/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger         *zap.Logger
	sessionRepo    *repository.SessionRepository
	sessionService *service.SessionService
	remoteSource   *position.RemoteSource
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader

	// 平台适配器：按 SIGNAL_VARIANT 只有一个非空
	pairing *signal.PairingAdapter
	motion  *signal.MotionAdapter
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	sessionRepo *repository.SessionRepository,
	sessionService *service.SessionService,
	remoteSource *position.RemoteSource,
	pairing *signal.PairingAdapter,
	motion *signal.MotionAdapter,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:         logger,
		sessionRepo:    sessionRepo,
		sessionService: sessionService,
		remoteSource:   remoteSource,
		pairing:        pairing,
		motion:         motion,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 开发环境允许所有来源
			},
		},
	}
}

// HandleWebSocket WebSocket 处理
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	// 启动读写协程
	go client.ReadPump()
	go client.WritePump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"state":      h.sessionService.CurrentState(),
		"ws_clients": h.wsHub.ClientCount(),
	})
}
