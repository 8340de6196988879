package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Address 结构化地址信息（来自外部限停规则服务的逆解析结果）
type Address struct {
	FormattedAddress string `json:"formatted_address,omitempty"` // 完整格式化地址
	Street           string `json:"street,omitempty"`            // 道路
	StreetNumber     string `json:"street_number,omitempty"`     // 门牌号
	District         string `json:"district,omitempty"`          // 区
	City             string `json:"city,omitempty"`              // 市
}

// Value 实现 driver.Valuer 接口，用于存储到数据库
func (a Address) Value() (driver.Value, error) {
	return json.Marshal(a)
}

// Scan 实现 sql.Scanner 接口，用于从数据库读取
func (a *Address) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// PositionSource 停车位置的来源
type PositionSource string

const (
	SourceStopSnapshot  PositionSource = "stop_snapshot"  // 停车瞬间的新鲜定位
	SourceLastMoving    PositionSource = "last_moving"    // 行驶中最后一次定位
	SourceStaleFallback PositionSource = "stale_fallback" // 过期缓存兜底
)

// Confidence 分类器置信度
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

// Activity 运动分类器输出的粗粒度类别
type Activity string

const (
	ActivityAutomotive Activity = "automotive"
	ActivityStationary Activity = "stationary"
	ActivityWalking    Activity = "walking"
)

// PositionFix 单次定位结果
type PositionFix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	SpeedKmh       *float64  `json:"speed_kmh,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// Age 定位结果的时效
func (f *PositionFix) Age(now time.Time) time.Duration {
	return now.Sub(f.RecordedAt)
}

// RestrictionType 限停规则类型
type RestrictionType string

const (
	RestrictionStreetCleaning RestrictionType = "street_cleaning" // 定期清扫
	RestrictionOvernightBan   RestrictionType = "overnight_ban"   // 夜间禁停
	RestrictionPermitWindow   RestrictionType = "permit_window"   // 许可证时段
)

// ReminderRule 提醒触发规则
type ReminderRule string

const (
	RuleEveningBefore       ReminderRule = "evening_before"        // 前一天晚上固定时刻
	RuleSameMorning         ReminderRule = "same_morning"          // 当天早上固定时刻
	RuleNextQualifyingDay   ReminderRule = "next_qualifying_day"   // 下一个符合条件的工作日早上
)

// Restriction 外部服务返回的单条限停规则
// Schedule 字段已结构化，提醒调度器不需要再解析自由文本
type Restriction struct {
	Type         RestrictionType `json:"type"`
	Description  string          `json:"description"`
	Rule         ReminderRule    `json:"rule"`
	NextActiveAt time.Time       `json:"next_active_at"` // 规则下一次生效的时刻
	Weekday      *time.Weekday   `json:"weekday,omitempty"`
}

// RestrictionList jsonb 存储的规则列表
type RestrictionList []Restriction

// Value 实现 driver.Valuer 接口
func (l RestrictionList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]Restriction{})
	}
	return json.Marshal(l)
}

// Scan 实现 sql.Scanner 接口
func (l *RestrictionList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// ParkingSession 一次停车事件
type ParkingSession struct {
	ID                  string          `json:"id" db:"id"`
	Latitude            float64         `json:"latitude" db:"latitude"`
	Longitude           float64         `json:"longitude" db:"longitude"`
	AccuracyMeters      float64         `json:"accuracy_meters" db:"accuracy_meters"`
	PositionSource      PositionSource  `json:"position_source" db:"position_source"`
	SourceConfidence    float64         `json:"source_confidence" db:"source_confidence"`
	Address             *Address        `json:"address,omitempty" db:"address"`
	Restrictions        RestrictionList `json:"restrictions" db:"restrictions"`
	StartedAt           time.Time       `json:"started_at" db:"started_at"`
	DepartedAt          *time.Time      `json:"departed_at,omitempty" db:"departed_at"`
	DepartureDistanceM  *float64        `json:"departure_distance_m,omitempty" db:"departure_distance_m"`
	DepartureConclusive *bool           `json:"departure_conclusive,omitempty" db:"departure_conclusive"`
}

// Open 会话是否仍未记录驶离
func (s *ParkingSession) Open() bool {
	return s.DepartedAt == nil
}

// PendingDeparture 驶离待确认记录
// 在 parked -> driving 时创建，确认成功、重试耗尽或新的停车事件提前收尾时销毁
type PendingDeparture struct {
	SessionID               string
	AnchorLatitude          float64
	AnchorLongitude         float64
	ScheduledConfirmationAt time.Time
	RetryCount              int
}

// ScheduledReminder 一条已排期的本地提醒
type ScheduledReminder struct {
	RestrictionType RestrictionType `json:"restriction_type"`
	FireAt          time.Time       `json:"fire_at"`
	Message         string          `json:"message"`
	Tag             string          `json:"tag"` // 同一会话的提醒共享前缀，用于批量取消
}
