package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/parkgazer/internal/models"
)

// ErrAcquisitionTimeout 回退链耗尽，本次不产生会话
var ErrAcquisitionTimeout = errors.New("position acquisition fallback chain exhausted")

// 最后一档兜底的边界：时效和精度都必须满足，不允许只看距离
const (
	staleMaxAge      = 10 * time.Minute
	staleMaxAccuracy = 250.0 // 米
)

// Source 按需请求一次新鲜定位 (回传给设备，受 ctx 限时)
type Source interface {
	RequestFix(ctx context.Context) (*models.PositionFix, error)
}

// Result 一次获取的结果及其来源档位
type Result struct {
	Fix        models.PositionFix
	Source     models.PositionSource
	Confidence float64
}

// Acquirer 两阶段位置获取
// Phase 1 在短截止时间内给出尽力而为的定位；Phase 2 在结果已被消费后
// 继续采样更长窗口，拿到更准的定位交给编排器做静默纠正
type Acquirer struct {
	logger *zap.Logger
	source Source

	fastTimeout       time.Duration
	refineWindow      time.Duration
	cachedMaxAge      time.Duration
	cachedMaxAccuracy float64

	mu         sync.Mutex
	cached     *models.PositionFix // 最近一次观测到的定位
	lastMoving *models.PositionFix // 行驶中最后一次定位
}

// NewAcquirer 创建位置获取服务
func NewAcquirer(logger *zap.Logger, source Source, fastTimeout, refineWindow, cachedMaxAge time.Duration, cachedMaxAccuracy float64) *Acquirer {
	return &Acquirer{
		logger:            logger,
		source:            source,
		fastTimeout:       fastTimeout,
		refineWindow:      refineWindow,
		cachedMaxAge:      cachedMaxAge,
		cachedMaxAccuracy: cachedMaxAccuracy,
	}
}

// Observe 适配器的定位更新喂进缓存
func (a *Acquirer) Observe(fix *models.PositionFix, whileDriving bool) {
	if fix == nil {
		return
	}
	a.mu.Lock()
	a.cached = fix
	if whileDriving {
		a.lastMoving = fix
	}
	a.mu.Unlock()
}

// Clear 清空缓存 (新的停车事件开始前调用，避免用到上一段行程的残留)
func (a *Acquirer) Clear() {
	a.mu.Lock()
	a.cached = nil
	a.mu.Unlock()
}

// Acquire Phase 1：短截止时间内的回退链
// 新鲜定位 → 时效/精度达标的缓存 → 行驶中最后定位兜底 → 硬失败
func (a *Acquirer) Acquire(ctx context.Context) (*Result, error) {
	now := time.Now()

	fastCtx, cancel := context.WithTimeout(ctx, a.fastTimeout)
	defer cancel()

	fix, err := a.source.RequestFix(fastCtx)
	if err == nil && fix != nil {
		a.Observe(fix, false)
		return &Result{Fix: *fix, Source: models.SourceStopSnapshot, Confidence: 0.9}, nil
	}
	a.logger.Debug("Fresh fix unavailable, falling back", zap.Error(err))

	a.mu.Lock()
	cached := a.cached
	lastMoving := a.lastMoving
	a.mu.Unlock()

	if cached != nil && cached.Age(now) <= a.cachedMaxAge && cached.AccuracyMeters <= a.cachedMaxAccuracy {
		return &Result{Fix: *cached, Source: models.SourceLastMoving, Confidence: 0.6}, nil
	}

	if lastMoving != nil && lastMoving.Age(now) <= staleMaxAge && lastMoving.AccuracyMeters <= staleMaxAccuracy {
		return &Result{Fix: *lastMoving, Source: models.SourceStaleFallback, Confidence: 0.3}, nil
	}

	return nil, ErrAcquisitionTimeout
}

// Refine Phase 2：更长窗口内采样，返回精度最好的定位
// 调用方负责与 Phase 1 结果比对漂移
func (a *Acquirer) Refine(ctx context.Context) (*models.PositionFix, error) {
	refineCtx, cancel := context.WithTimeout(ctx, a.refineWindow)
	defer cancel()

	var best *models.PositionFix

	// 窗口内分 4 次采样，取精度最好的
	interval := a.refineWindow / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fix, err := a.source.RequestFix(refineCtx)
		if err == nil && fix != nil {
			a.Observe(fix, false)
			if best == nil || fix.AccuracyMeters < best.AccuracyMeters {
				best = fix
			}
		}

		select {
		case <-refineCtx.Done():
			if best == nil {
				return nil, ErrAcquisitionTimeout
			}
			return best, nil
		case <-ticker.C:
		}
	}
}
