package reminder

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
	"github.com/langchou/parkgazer/internal/notify"
)

// Scheduler 提醒调度器
// 把一次停车的限停规则转换为未来时点的本地提醒；同一会话的提醒共享
// 标签前缀，驶离或位置纠正时按前缀整批取消
type Scheduler struct {
	logger      *zap.Logger
	notifier    notify.Notifier
	eveningHour int
	morningHour int

	mu          sync.Mutex
	outstanding map[string][]models.ScheduledReminder // sessionID -> 已排期提醒

	now func() time.Time
}

// NewScheduler 创建调度器
func NewScheduler(logger *zap.Logger, notifier notify.Notifier, eveningHour, morningHour int) *Scheduler {
	return &Scheduler{
		logger:      logger,
		notifier:    notifier,
		eveningHour: eveningHour,
		morningHour: morningHour,
		outstanding: make(map[string][]models.ScheduledReminder),
		now:         time.Now,
	}
}

// sessionTag 会话标签前缀
func sessionTag(sessionID string) string {
	return "session:" + sessionID
}

// Schedule 为一次停车排期提醒
// 先取消该会话已有的提醒再排新的，保证纠正场景下不残留旧提醒
func (s *Scheduler) Schedule(sessionID string, restrictions models.RestrictionList) []models.ScheduledReminder {
	s.CancelAll(sessionID)

	now := s.now()
	var scheduled []models.ScheduledReminder

	for i, r := range restrictions {
		fireAt, ok := s.fireTime(r, now)
		if !ok {
			continue
		}
		if !fireAt.After(now) {
			// 计算出的触发时刻已经过去 (比如停车时已晚于提醒时点)：跳过，不排到过去
			s.logger.Debug("Reminder fire time already passed, skipped",
				zap.String("session_id", sessionID),
				zap.String("type", string(r.Type)),
				zap.Time("fire_at", fireAt))
			continue
		}

		rem := models.ScheduledReminder{
			RestrictionType: r.Type,
			FireAt:          fireAt,
			Message:         reminderMessage(r),
			Tag:             fmt.Sprintf("%s:%s:%d", sessionTag(sessionID), r.Type, i),
		}
		s.notifier.ScheduleAt(rem.FireAt, "Parking restriction ahead", rem.Message, rem.Tag)
		scheduled = append(scheduled, rem)
	}

	s.mu.Lock()
	s.outstanding[sessionID] = scheduled
	s.mu.Unlock()

	s.logger.Info("Reminders scheduled",
		zap.String("session_id", sessionID),
		zap.Int("count", len(scheduled)))

	return scheduled
}

// CancelAll 取消会话的全部提醒，且只取消该会话的
func (s *Scheduler) CancelAll(sessionID string) {
	s.mu.Lock()
	had := len(s.outstanding[sessionID])
	delete(s.outstanding, sessionID)
	s.mu.Unlock()

	s.notifier.CancelByTag(sessionTag(sessionID))

	if had > 0 {
		s.logger.Info("Reminders cancelled",
			zap.String("session_id", sessionID),
			zap.Int("count", had))
	}
}

// Outstanding 会话当前仍排期中的提醒
func (s *Scheduler) Outstanding(sessionID string) []models.ScheduledReminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ScheduledReminder(nil), s.outstanding[sessionID]...)
}

// fireTime 按规则计算提醒触发时刻
func (s *Scheduler) fireTime(r models.Restriction, now time.Time) (time.Time, bool) {
	active := r.NextActiveAt
	if active.IsZero() {
		return time.Time{}, false
	}
	loc := now.Location()

	switch r.Rule {
	case models.RuleEveningBefore:
		// 生效前一天晚上固定时刻
		d := active.In(loc).AddDate(0, 0, -1)
		return time.Date(d.Year(), d.Month(), d.Day(), s.eveningHour, 0, 0, 0, loc), true

	case models.RuleSameMorning:
		// 生效当天早上固定时刻
		d := active.In(loc)
		return time.Date(d.Year(), d.Month(), d.Day(), s.morningHour, 0, 0, 0, loc), true

	case models.RuleNextQualifyingDay:
		// 下一个符合条件的工作日早上
		if r.Weekday == nil {
			d := active.In(loc)
			return time.Date(d.Year(), d.Month(), d.Day(), s.morningHour, 0, 0, 0, loc), true
		}
		d := now.In(loc)
		for i := 0; i < 8; i++ {
			candidate := time.Date(d.Year(), d.Month(), d.Day(), s.morningHour, 0, 0, 0, loc).AddDate(0, 0, i)
			if candidate.Weekday() == *r.Weekday && candidate.After(now) {
				return candidate, true
			}
		}
		return time.Time{}, false

	default:
		return time.Time{}, false
	}
}

// reminderMessage 提醒文案
func reminderMessage(r models.Restriction) string {
	if r.Description != "" {
		return r.Description
	}
	return fmt.Sprintf("Move your car: %s restriction starts soon", strings.ReplaceAll(string(r.Type), "_", " "))
}
