package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/api/lookup"
	"github.com/langchou/parkgazer/internal/config"
	"github.com/langchou/parkgazer/internal/models"
	"github.com/langchou/parkgazer/internal/notify"
	"github.com/langchou/parkgazer/internal/position"
	"github.com/langchou/parkgazer/internal/signal"
	"github.com/langchou/parkgazer/internal/state"
)

// SessionStore 会话持久化 (尽力而为，失败只记日志)
type SessionStore interface {
	Create(ctx context.Context, s *models.ParkingSession) error
	GetLatest(ctx context.Context) (*models.ParkingSession, error)
	UpdatePosition(ctx context.Context, s *models.ParkingSession) error
	SetDeparted(ctx context.Context, id string, departedAt time.Time, distanceM *float64, conclusive *bool) (bool, error)
}

// RestrictionLookup 外部限停规则查询
type RestrictionLookup interface {
	Lookup(ctx context.Context, lat, lng float64) (*lookup.Result, error)
}

// ReminderScheduler 提醒调度
type ReminderScheduler interface {
	Schedule(sessionID string, restrictions models.RestrictionList) []models.ScheduledReminder
	CancelAll(sessionID string)
}

// SessionService 会话编排器
// 单协程消费状态机转换：新停车事件永远在上一个驶离收尾之后处理
type SessionService struct {
	cfg       *config.Config
	logger    *zap.Logger
	machine   *state.Machine
	adapter   signal.Adapter
	acquirer  *position.Acquirer
	lookup    RestrictionLookup
	sessions  SessionStore
	reminders ReminderScheduler
	notifier  notify.Notifier

	mu               sync.Mutex
	current          *models.ParkingSession // 当前/最近会话快照
	pendingFix       *position.Result       // 确认守卫留下的 Phase 1 结果
	pendingDeparture *models.PendingDeparture
	departTimer      *time.Timer
	lastParkedAt     time.Time // 去重窗口锚点
	departedSince    bool      // 上次停车之后是否发生过驶离
	running          bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSessionService 创建编排器
func NewSessionService(
	cfg *config.Config,
	logger *zap.Logger,
	machine *state.Machine,
	adapter signal.Adapter,
	acquirer *position.Acquirer,
	lookupClient RestrictionLookup,
	sessions SessionStore,
	reminders ReminderScheduler,
	notifier notify.Notifier,
) *SessionService {
	s := &SessionService{
		cfg:           cfg,
		logger:        logger,
		machine:       machine,
		adapter:       adapter,
		acquirer:      acquirer,
		lookup:        lookupClient,
		sessions:      sessions,
		reminders:     reminders,
		notifier:      notifier,
		departedSince: true, // 启动后第一次停车不受去重窗口影响
		stopCh:        make(chan struct{}),
	}

	machine.SetConfirmGuard(s.confirmGuard)
	return s
}

// Start 启动编排器
func (s *SessionService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Session service already running, skipping start")
		return nil
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	// 恢复最近一次会话快照
	latest, err := s.sessions.GetLatest(ctx)
	if err == nil {
		s.mu.Lock()
		s.current = latest
		s.mu.Unlock()
	}

	transitions := s.machine.Subscribe()

	s.wg.Add(2)
	go s.consumeSignals(ctx)
	go s.consumeTransitions(ctx, transitions)

	// 恢复到 driving 且最近会话仍未收尾：进程死在驶离确认中途，
	// 不重新武装的话这条会话永远不会被写上驶离时间
	if s.machine.Current() == state.StateDriving && latest != nil && latest.Open() {
		s.resumeDeparture(latest)
	}

	s.logger.Info("Session service started")
	return nil
}

// Stop 停止编排器
func (s *SessionService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	// 驶离确认定时器只被进程关闭取消，信号不取消它
	if s.departTimer != nil {
		s.departTimer.Stop()
		s.departTimer = nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Session service stopped")
}

// CurrentState 当前检测状态 (供展示层只读)
func (s *SessionService) CurrentState() string {
	return s.machine.Current()
}

// CurrentSession 当前/最近会话快照 (供展示层只读)
func (s *SessionService) CurrentSession() *models.ParkingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	cp := *s.current
	return &cp
}

// MarkParked 手动停车入口：与主路径走同一个转换函数
func (s *SessionService) MarkParked(ctx context.Context) error {
	return s.machine.MarkParked(ctx)
}

// consumeSignals 把适配器事件路由进状态机和位置缓存
func (s *SessionService) consumeSignals(ctx context.Context) {
	defer s.wg.Done()

	events := s.adapter.Events()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				// 信号源消失：一次性提示，不逐事件重试
				s.logger.Error("Signal adapter stream closed")
				s.notifier.ShowNow("Parking detection paused", "Motion sensing is unavailable on this device")
				return
			}
			s.routeSignal(e)
		}
	}
}

func (s *SessionService) routeSignal(e signal.Event) {
	switch e.Kind {
	case signal.EventConnected:
		s.machine.HandleConnected(e.At)
	case signal.EventDisconnected:
		s.machine.HandleDisconnected(e.At)
	case signal.EventActivityClassified:
		if e.Activity == models.ActivityAutomotive {
			s.machine.HandleConnected(e.At)
		} else {
			s.machine.HandleDisconnected(e.At)
		}
	case signal.EventPositionUpdate:
		whileDriving := e.WhileDriving || s.machine.Current() == state.StateDriving
		s.acquirer.Observe(e.Fix, whileDriving)
	}
}

// consumeTransitions 串行处理状态机转换
func (s *SessionService) consumeTransitions(ctx context.Context, transitions <-chan state.Transition) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case t := <-transitions:
			s.handleTransition(ctx, t)
		}
	}
}

func (s *SessionService) handleTransition(ctx context.Context, t state.Transition) {
	switch {
	case t.To == state.StateParked:
		s.onParked(ctx, t)
	case t.To == state.StateDriving && t.From == state.StateParked:
		// 新行程开始：上一个停车点的缓存定位不能再充当回退档位，
		// 也不能被驶离确认当作移动证据
		s.acquirer.Clear()
		s.onDeparted(ctx, t)
	case t.To == state.StateDriving:
		// 非 parked 来源进入 driving：检查是否有丢失状态的孤儿会话
		s.acquirer.Clear()
		s.recoverOrphan(ctx, t)
	}
}

// confirmGuard 去抖到期后的停车确认守卫：Phase 1 定位获取
// 失败让状态机停留在 parking_pending，不产生会话
func (s *SessionService) confirmGuard(ctx context.Context) error {
	res, err := s.acquirer.Acquire(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pendingFix = res
	s.mu.Unlock()
	return nil
}

func (s *SessionService) takePendingFix() *position.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.pendingFix
	s.pendingFix = nil
	return res
}
