package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
	"github.com/langchou/parkgazer/internal/state"
	"github.com/langchou/parkgazer/pkg/geo"
)

// onParked 停车确认：创建会话、查规则、排提醒、即时通知，再起后台精修
func (s *SessionService) onParked(ctx context.Context, t state.Transition) {
	// 顺序保证：上一个会话的驶离先收尾，新停车事件才开始处理
	s.finalizePendingDeparture(ctx, "superseded by new parking event")

	// 冗余信号路径的重复触发在去重窗口内丢弃；
	// 中间隔了一次驶离的是真实新事件，永不丢弃
	s.mu.Lock()
	if !s.departedSince && !s.lastParkedAt.IsZero() && time.Since(s.lastParkedAt) < s.cfg.ParkedDedupWindow {
		s.mu.Unlock()
		s.logger.Info("Duplicate parked trigger within dedup window, discarded")
		return
	}
	s.lastParkedAt = time.Now()
	s.departedSince = false
	s.mu.Unlock()

	// Phase 1 结果由确认守卫留下；手动路径下可能缺失，补一次获取
	fix := s.takePendingFix()
	if fix == nil {
		var err error
		fix, err = s.acquirer.Acquire(ctx)
		if err != nil {
			s.logger.Error("No position available for confirmed parking", zap.Error(err))
			s.notifier.ShowNow("Parked", "Could not determine where you parked")
			return
		}
	}

	session := &models.ParkingSession{
		ID:               uuid.NewString(),
		Latitude:         fix.Fix.Latitude,
		Longitude:        fix.Fix.Longitude,
		AccuracyMeters:   fix.Fix.AccuracyMeters,
		PositionSource:   fix.Source,
		SourceConfidence: fix.Confidence,
		StartedAt:        t.At,
	}

	// 外部规则查询失败不阻断本地通知路径
	lookupCtx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	res, lookupErr := s.lookup.Lookup(lookupCtx, session.Latitude, session.Longitude)
	cancel()
	if lookupErr != nil {
		s.logger.Warn("Restriction lookup failed, proceeding without restrictions", zap.Error(lookupErr))
	} else {
		session.Address = &res.Address
		session.Restrictions = res.Restrictions
	}

	// 持久化尽力而为：失败记日志，不重试也不阻塞用户路径
	if err := s.sessions.Create(ctx, session); err != nil {
		s.logger.Error("Failed to persist parking session", zap.Error(err), zap.String("session_id", session.ID))
	}

	s.mu.Lock()
	s.current = session
	s.mu.Unlock()

	if lookupErr == nil {
		s.reminders.Schedule(session.ID, session.Restrictions)
		s.notifier.ShowNow("Parked", parkedMessage(session))
	} else {
		s.notifier.ShowNow("Parked", "Restrictions unknown at this location")
	}

	s.logger.Info("Parking session created",
		zap.String("session_id", session.ID),
		zap.Float64("lat", session.Latitude),
		zap.Float64("lng", session.Longitude),
		zap.String("position_source", string(session.PositionSource)),
		zap.Int("restrictions", len(session.Restrictions)))

	// Phase 2 精修在结果已被消费之后进行，不阻塞当前路径
	s.wg.Add(1)
	go s.refineSession(session.ID)
}

// refineSession Phase 2：更长窗口拿高精度定位，漂移超阈值时静默纠正
func (s *SessionService) refineSession(sessionID string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefineWindow+5*time.Second)
	defer cancel()

	refined, err := s.acquirer.Refine(ctx)
	if err != nil {
		s.logger.Debug("Position refinement yielded nothing", zap.Error(err))
		return
	}

	s.mu.Lock()
	session := s.current
	if session == nil || session.ID != sessionID || !session.Open() {
		s.mu.Unlock()
		return
	}
	drift := geo.DistanceM(session.Latitude, session.Longitude, refined.Latitude, refined.Longitude)
	s.mu.Unlock()

	if drift <= s.cfg.DriftThresholdM {
		return
	}

	s.logger.Info("Position drift detected, correcting session silently",
		zap.String("session_id", sessionID),
		zap.Float64("drift_m", drift))

	// 纠正后重查一次规则；不重复用户可见通知
	patched := *session
	patched.Latitude = refined.Latitude
	patched.Longitude = refined.Longitude
	patched.AccuracyMeters = refined.AccuracyMeters
	patched.PositionSource = models.SourceStopSnapshot
	patched.SourceConfidence = 0.95

	lookupCtx, cancel2 := context.WithTimeout(ctx, s.cfg.LookupTimeout)
	res, err := s.lookup.Lookup(lookupCtx, patched.Latitude, patched.Longitude)
	cancel2()
	if err != nil {
		s.logger.Warn("Re-lookup after drift correction failed", zap.Error(err))
	} else {
		patched.Address = &res.Address
		patched.Restrictions = res.Restrictions
	}

	if err := s.sessions.UpdatePosition(ctx, &patched); err != nil {
		s.logger.Error("Failed to persist drift correction", zap.Error(err), zap.String("session_id", sessionID))
	}

	s.mu.Lock()
	if s.current != nil && s.current.ID == sessionID {
		s.current = &patched
	}
	s.mu.Unlock()

	// 旧提醒先整批取消，再按新规则排期
	s.reminders.CancelAll(sessionID)
	if err == nil {
		s.reminders.Schedule(sessionID, patched.Restrictions)
	}
}

func parkedMessage(session *models.ParkingSession) string {
	where := "your spot"
	if session.Address != nil && session.Address.FormattedAddress != "" {
		where = session.Address.FormattedAddress
	}
	if len(session.Restrictions) == 0 {
		return fmt.Sprintf("Parked at %s. No restrictions found.", where)
	}
	return fmt.Sprintf("Parked at %s. %d restriction(s) here, reminders are set.", where, len(session.Restrictions))
}
