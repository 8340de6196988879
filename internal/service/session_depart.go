package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
	"github.com/langchou/parkgazer/internal/state"
	"github.com/langchou/parkgazer/pkg/geo"
)

// 确认重试之间的间隔
var departureRetryDelay = 15 * time.Second

// onDeparted parked -> driving：驶离的唯一触发点
// 延迟确认给用户离开车位的时间；确认定时器只被进程关闭取消，
// 期间的二次断开视为仍在行驶，不产生新会话
func (s *SessionService) onDeparted(ctx context.Context, t state.Transition) {
	s.mu.Lock()
	session := s.current
	if session == nil || !session.Open() {
		s.mu.Unlock()
		// 没有可收尾的会话：可能是存储重置后的孤儿，交给孤儿恢复
		s.recoverOrphanLocked(ctx, t)
		return
	}

	s.departedSince = true
	pd := s.armDepartureLocked(session)
	s.mu.Unlock()

	s.logger.Info("Departure pending confirmation",
		zap.String("session_id", pd.SessionID),
		zap.Time("confirm_at", pd.ScheduledConfirmationAt))
}

// armDepartureLocked 武装延迟确认定时器 (要求已持有 s.mu)
func (s *SessionService) armDepartureLocked(session *models.ParkingSession) *models.PendingDeparture {
	pd := &models.PendingDeparture{
		SessionID:               session.ID,
		AnchorLatitude:          session.Latitude,
		AnchorLongitude:         session.Longitude,
		ScheduledConfirmationAt: time.Now().Add(s.cfg.DepartureConfirmDelay),
	}
	s.pendingDeparture = pd
	s.departTimer = time.AfterFunc(s.cfg.DepartureConfirmDelay, func() {
		s.confirmDeparture(pd)
	})
	return pd
}

// resumeDeparture 重启恢复到 driving 时补接被打断的驶离确认
// 持久化的 driving 意味着驶离转换已经发生过：最近一条未驶离的会话
// 重新武装确认，而不是一直敞开等下一次转换才被孤儿恢复兜底
func (s *SessionService) resumeDeparture(session *models.ParkingSession) {
	s.mu.Lock()
	if s.pendingDeparture != nil {
		s.mu.Unlock()
		return
	}
	s.departedSince = true
	pd := s.armDepartureLocked(session)
	s.mu.Unlock()

	s.logger.Info("Resuming interrupted departure confirmation after restart",
		zap.String("session_id", pd.SessionID),
		zap.Time("confirm_at", pd.ScheduledConfirmationAt))
}

// confirmDeparture 延迟到期后的驶离确认
// 获取新定位、计算离锚点的移动距离，写回会话 (至多一次)
func (s *SessionService) confirmDeparture(pd *models.PendingDeparture) {
	s.mu.Lock()
	if s.pendingDeparture == nil || s.pendingDeparture.SessionID != pd.SessionID {
		// 已被新停车事件提前收尾
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AcquireFastTimeout+2*time.Second)
	res, err := s.acquirer.Acquire(ctx)
	cancel()

	if err != nil {
		s.mu.Lock()
		if s.pendingDeparture == nil || s.pendingDeparture.SessionID != pd.SessionID {
			s.mu.Unlock()
			return
		}
		s.pendingDeparture.RetryCount++
		retries := s.pendingDeparture.RetryCount
		if retries < s.cfg.DepartureConfirmRetry {
			s.departTimer = time.AfterFunc(departureRetryDelay, func() {
				s.confirmDeparture(pd)
			})
			s.mu.Unlock()
			s.logger.Warn("Departure confirmation failed, will retry",
				zap.String("session_id", pd.SessionID),
				zap.Int("retry", retries),
				zap.Error(err))
			return
		}
		s.mu.Unlock()

		// 重试耗尽：观测到过重连事件，时间戳必须落下；距离宁缺毋滥
		s.logger.Warn("Departure confirmation retries exhausted, recording best-effort timestamp",
			zap.String("session_id", pd.SessionID))
		s.finalizeDeparture(context.Background(), pd.SessionID, departureStart(pd, s.cfg.DepartureConfirmDelay), nil, nil)
		return
	}

	distance := geo.DistanceM(pd.AnchorLatitude, pd.AnchorLongitude, res.Fix.Latitude, res.Fix.Longitude)
	conclusive := distance > s.cfg.ConclusiveDistanceM

	s.logger.Info("Departure confirmed",
		zap.String("session_id", pd.SessionID),
		zap.Float64("distance_m", distance),
		zap.Bool("conclusive", conclusive))

	s.finalizeDeparture(context.Background(), pd.SessionID, departureStart(pd, s.cfg.DepartureConfirmDelay), &distance, &conclusive)
}

// finalizePendingDeparture 新停车事件强制收尾上一个待确认的驶离
func (s *SessionService) finalizePendingDeparture(ctx context.Context, reason string) {
	s.mu.Lock()
	pd := s.pendingDeparture
	if pd == nil {
		s.mu.Unlock()
		return
	}
	if s.departTimer != nil {
		s.departTimer.Stop()
		s.departTimer = nil
	}
	s.mu.Unlock()

	s.logger.Info("Finalizing pending departure early",
		zap.String("session_id", pd.SessionID),
		zap.String("reason", reason))

	s.finalizeDeparture(ctx, pd.SessionID, departureStart(pd, s.cfg.DepartureConfirmDelay), nil, nil)
}

// finalizeDeparture 写回驶离结果并清理：时间戳至多写入一次
func (s *SessionService) finalizeDeparture(ctx context.Context, sessionID string, departedAt time.Time, distanceM *float64, conclusive *bool) {
	applied, err := s.sessions.SetDeparted(ctx, sessionID, departedAt, distanceM, conclusive)
	if err != nil {
		s.logger.Error("Failed to persist departure", zap.Error(err), zap.String("session_id", sessionID))
	} else if !applied {
		s.logger.Debug("Departure already recorded, skipping", zap.String("session_id", sessionID))
	}

	// 提醒整批取消（标签前缀只命中该会话）
	s.reminders.CancelAll(sessionID)

	s.mu.Lock()
	if s.pendingDeparture != nil && s.pendingDeparture.SessionID == sessionID {
		s.pendingDeparture = nil
	}
	if s.current != nil && s.current.ID == sessionID && s.current.DepartedAt == nil {
		at := departedAt
		s.current.DepartedAt = &at
		s.current.DepartureDistanceM = distanceM
		s.current.DepartureConclusive = conclusive
	}
	s.mu.Unlock()
}

// recoverOrphan 非 parked 来源进入 driving 时的孤儿检查
// 重装/存储重置会丢状态：最近一条未驶离且足够年轻的会话补记驶离
func (s *SessionService) recoverOrphan(ctx context.Context, t state.Transition) {
	s.mu.Lock()
	s.recoverOrphanLocked(ctx, t)
}

// recoverOrphanLocked 要求已持有 s.mu，返回时释放
func (s *SessionService) recoverOrphanLocked(ctx context.Context, t state.Transition) {
	if s.pendingDeparture != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	latest, err := s.sessions.GetLatest(ctx)
	if err != nil || latest == nil || !latest.Open() {
		return
	}
	if time.Since(latest.StartedAt) > s.cfg.OrphanMaxAge {
		return
	}

	s.logger.Info("Recovering orphaned parking session, finalizing departure retroactively",
		zap.String("session_id", latest.ID),
		zap.Time("started_at", latest.StartedAt))

	s.finalizeDeparture(ctx, latest.ID, t.At, nil, nil)
}

// departureStart 驶离开始时刻 = 计划确认时刻回退确认延迟
func departureStart(pd *models.PendingDeparture, delay time.Duration) time.Time {
	return pd.ScheduledConfirmationAt.Add(-delay)
}
