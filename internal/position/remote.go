package position

import (
	"context"
	"sync"

	"github.com/langchou/parkgazer/internal/models"
)

// RemoteSource 向设备请求一次新鲜定位
// 下发取定位指令后等待设备经上报通道回传；等待受调用方 ctx 限时
type RemoteSource struct {
	requestFn func() // 下发指令 (通常是 Hub 广播)

	mu      sync.Mutex
	waiters map[int]chan *models.PositionFix
	nextID  int
}

// NewRemoteSource 创建远端定位源
func NewRemoteSource(requestFn func()) *RemoteSource {
	return &RemoteSource{
		requestFn: requestFn,
		waiters:   make(map[int]chan *models.PositionFix),
	}
}

// RequestFix 请求一次定位，阻塞到设备回传或 ctx 超时
func (s *RemoteSource) RequestFix(ctx context.Context) (*models.PositionFix, error) {
	ch := make(chan *models.PositionFix, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.waiters[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	if s.requestFn != nil {
		s.requestFn()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case fix := <-ch:
		return fix, nil
	}
}

// Deliver 设备回传定位，唤醒所有等待者
func (s *RemoteSource) Deliver(fix *models.PositionFix) {
	if fix == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters {
		select {
		case ch <- fix:
		default:
		}
	}
}
