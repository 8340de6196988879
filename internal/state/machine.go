package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// 检测状态常量
const (
	StateInitializing   = "initializing"
	StateIdle           = "idle"
	StateDriving        = "driving"
	StateParkingPending = "parking_pending"
	StateParked         = "parked"
)

// 事件常量
const (
	EventStartDriving   = "start_driving"
	EventGoIdle         = "go_idle"
	EventSuspectParking = "suspect_parking"
	EventResumeDriving  = "resume_driving"
	EventConfirmParking = "confirm_parking"
	EventDepart         = "depart"
	EventManualPark     = "manual_park"
)

// ErrManualParkRefused 手动停车在 driving/parking_pending 下被拒绝，让状态自然收敛
var ErrManualParkRefused = errors.New("manual park refused in current state")

// Transition 一次状态转换
type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Store 持久化接口：只有 idle/driving/parked 会被写入
type Store interface {
	SaveState(ctx context.Context, state string) error
}

// Machine 停车检测状态机
// 全局唯一的 DetectionState 所有者；所有转换经由同一个加锁的转换函数，
// 防止多路信号源竞争出矛盾状态
type Machine struct {
	mu     sync.Mutex
	fsm    *fsm.FSM
	store  Store
	logger *zap.Logger

	debounce      time.Duration
	debounceTimer *time.Timer

	// 停车确认守卫：去抖到期后先执行 (Phase 1 定位获取)，
	// 失败则停留在 parking_pending，等待后续信号
	confirmGuard func(context.Context) error

	// 落盘走单协程：密集转换只保留最新的耐久状态，
	// 乱序提交会让重启恢复出旧状态
	persistMu   sync.Mutex
	persistNext string
	persistKick chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	subMu       sync.RWMutex
	subscribers []chan Transition
}

// NewMachine 创建状态机
func NewMachine(logger *zap.Logger, store Store, debounce time.Duration) *Machine {
	m := &Machine{
		logger:      logger,
		store:       store,
		debounce:    debounce,
		persistKick: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	m.fsm = fsm.NewFSM(
		StateInitializing,
		fsm.Events{
			// 启动后由第一个信号定向
			{Name: EventStartDriving, Src: []string{StateInitializing, StateIdle}, Dst: StateDriving},
			{Name: EventGoIdle, Src: []string{StateInitializing}, Dst: StateIdle},

			// 停车判定链
			{Name: EventSuspectParking, Src: []string{StateDriving}, Dst: StateParkingPending},
			{Name: EventResumeDriving, Src: []string{StateParkingPending}, Dst: StateDriving},
			{Name: EventConfirmParking, Src: []string{StateParkingPending}, Dst: StateParked},

			// 驶离：唯一的 departure 触发点
			{Name: EventDepart, Src: []string{StateParked}, Dst: StateDriving},

			// 手动标记停车走同一个转换函数
			{Name: EventManualPark, Src: []string{StateInitializing, StateIdle}, Dst: StateParked},
		},
		fsm.Callbacks{},
	)

	go m.persistLoop()
	return m
}

// Close 停止后台落盘协程
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// SetConfirmGuard 设置停车确认守卫
func (m *Machine) SetConfirmGuard(guard func(context.Context) error) {
	m.mu.Lock()
	m.confirmGuard = guard
	m.mu.Unlock()
}

// Current 当前状态
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Subscribe 订阅状态转换
func (m *Machine) Subscribe() <-chan Transition {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	ch := make(chan Transition, 32)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Restore 从持久化状态恢复
// 瞬态 (initializing/parking_pending) 不允许被恢复：进程可能死在转换中途，
// 把半成品当成已确认状态会破坏后续判定
func (m *Machine) Restore(persisted string) {
	switch persisted {
	case StateIdle, StateDriving, StateParked:
		m.mu.Lock()
		m.fsm.SetState(persisted)
		m.mu.Unlock()
		m.logger.Info("Detection state restored", zap.String("state", persisted))
	default:
		m.logger.Info("No durable state to restore, starting from initializing",
			zap.String("persisted", persisted))
	}
}

// HandleConnected 连接/配对信号 (或高置信度 Automotive 分类)
func (m *Machine) HandleConnected(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.fsm.Current() {
	case StateInitializing, StateIdle:
		m.trigger(EventStartDriving, "signal_connected", at)
	case StateParkingPending:
		// 去抖窗口内重连：信号毛刺 (比如红灯)，取消怀疑，不产生会话
		m.cancelDebounceLocked()
		m.trigger(EventResumeDriving, "reconnected_within_debounce", at)
	case StateParked:
		m.trigger(EventDepart, "signal_connected", at)
	}
}

// HandleDisconnected 断开信号 (或持续 Stationary/Walking 分类)
func (m *Machine) HandleDisconnected(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.fsm.Current() {
	case StateInitializing:
		m.trigger(EventGoIdle, "signal_disconnected", at)
	case StateDriving:
		m.trigger(EventSuspectParking, "signal_disconnected", at)
		m.armDebounceLocked()
	case StateParkingPending:
		// 已在怀疑中，重新计时
		m.armDebounceLocked()
	}
	// parked 下的二次断开不是新会话，忽略
}

// MarkParked 手动/外部发起的停车标记
// 已 parked 时幂等；driving/parking_pending 下拒绝，留给信号自然收敛
func (m *Machine) MarkParked(ctx context.Context) error {
	m.mu.Lock()
	current := m.fsm.Current()

	switch current {
	case StateParked:
		m.mu.Unlock()
		return nil
	case StateDriving, StateParkingPending:
		m.mu.Unlock()
		return ErrManualParkRefused
	}

	guard := m.confirmGuard
	m.mu.Unlock()

	// 与去抖确认同一条路径：先过守卫再转换
	if guard != nil {
		if err := guard(ctx); err != nil {
			return fmt.Errorf("manual park confirm guard: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() != current {
		// 守卫执行期间被真实信号抢先
		return nil
	}
	m.trigger(EventManualPark, "manual", time.Now())
	return nil
}

// armDebounceLocked 启动/重置去抖计时器 (要求已持有 m.mu)
func (m *Machine) armDebounceLocked() {
	m.cancelDebounceLocked()
	m.debounceTimer = time.AfterFunc(m.debounce, m.onDebounceExpired)
}

func (m *Machine) cancelDebounceLocked() {
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
}

// onDebounceExpired 去抖到期：未等到重连，确认停车
func (m *Machine) onDebounceExpired() {
	m.mu.Lock()
	if m.fsm.Current() != StateParkingPending {
		m.mu.Unlock()
		return
	}
	guard := m.confirmGuard
	m.mu.Unlock()

	if guard != nil {
		if err := guard(context.Background()); err != nil {
			// 定位获取失败：不创建会话，停留在 parking_pending 等后续信号
			m.logger.Warn("Parking confirm guard failed, staying in parking_pending", zap.Error(err))
			return
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fsm.Current() != StateParkingPending {
		return
	}
	m.trigger(EventConfirmParking, "debounce_expired", time.Now())
}

// trigger 执行转换并广播 (要求已持有 m.mu)
func (m *Machine) trigger(event, reason string, at time.Time) {
	from := m.fsm.Current()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.logger.Error("State transition rejected",
			zap.String("event", event),
			zap.String("from", from),
			zap.Error(err))
		return
	}
	to := m.fsm.Current()

	m.logger.Info("Detection state changed",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("reason", reason))

	m.persist(to)
	m.broadcast(Transition{From: from, To: to, Reason: reason, At: at})
}

// persist 持久化耐久状态；瞬态不落盘
func (m *Machine) persist(state string) {
	switch state {
	case StateIdle, StateDriving, StateParked:
	default:
		return
	}

	if m.store == nil {
		return
	}

	m.persistMu.Lock()
	m.persistNext = state
	m.persistMu.Unlock()

	select {
	case m.persistKick <- struct{}{}:
	default:
	}
}

// persistLoop 串行落盘，始终写最新的耐久状态
func (m *Machine) persistLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.persistKick:
		}

		m.persistMu.Lock()
		state := m.persistNext
		m.persistNext = ""
		m.persistMu.Unlock()
		if state == "" {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := m.store.SaveState(ctx, state)
		cancel()
		if err != nil {
			m.logger.Warn("Failed to persist detection state", zap.Error(err), zap.String("state", state))
		}
	}
}

func (m *Machine) broadcast(t Transition) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- t:
		default:
			m.logger.Error("Transition dropped, subscriber too slow",
				zap.String("from", t.From), zap.String("to", t.To))
		}
	}
}
