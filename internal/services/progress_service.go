// internal/services/progress_service.go
package services

import (
	"sync"
	"time"

	"github.com/Corphon/NovelForgeMCP/internal/models"
)

// ProgressCallback 进度回调，注册后每个事件触发一次
// 回调在独立goroutine外的发布路径上执行，必须快速返回
type ProgressCallback func(event models.ProgressEvent)

// ProgressTracker 跟踪一部小说流水线的进度
type ProgressTracker struct {
	NovelID     string
	LastEvent   models.ProgressEvent
	StartTime   time.Time
	UpdateTime  time.Time
	Subscribers map[chan models.ProgressEvent]bool // 订阅进度更新的通道
	Done        bool
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
// 进度通知是发后不理的：订阅者阻塞或缺席不影响流水线的正确性与推进
type ProgressService struct {
	trackers  map[string]*ProgressTracker
	callbacks []ProgressCallback
	mutex     sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// RegisterCallback 注册全局进度回调
func (s *ProgressService) RegisterCallback(cb ProgressCallback) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.callbacks = append(s.callbacks, cb)
}

// CreateTracker 创建新的进度跟踪器，已存在时返回现有跟踪器
func (s *ProgressService) CreateTracker(novelID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[novelID]; exists {
		tracker.mutex.Lock()
		tracker.Done = false
		tracker.mutex.Unlock()
		return tracker
	}

	tracker := &ProgressTracker{
		NovelID:     novelID,
		StartTime:   time.Now(),
		UpdateTime:  time.Now(),
		Subscribers: make(map[chan models.ProgressEvent]bool),
	}

	s.trackers[novelID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(novelID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[novelID]
	return tracker, exists
}

// Publish 发布进度事件
func (s *ProgressService) Publish(novelID, stage string, current, total int) {
	event := models.ProgressEvent{
		NovelID: novelID,
		Stage:   stage,
		Current: current,
		Total:   total,
	}

	s.mutex.RLock()
	tracker := s.trackers[novelID]
	callbacks := s.callbacks
	s.mutex.RUnlock()

	for _, cb := range callbacks {
		cb(event)
	}

	if tracker != nil {
		tracker.publish(event)
	}
}

// Finish 标记流水线结束
func (s *ProgressService) Finish(novelID string) {
	s.mutex.RLock()
	tracker := s.trackers[novelID]
	s.mutex.RUnlock()

	if tracker != nil {
		tracker.mutex.Lock()
		tracker.Done = true
		tracker.UpdateTime = time.Now()
		tracker.mutex.Unlock()
	}
}

// publish 通知所有订阅者
func (t *ProgressTracker) publish(event models.ProgressEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.LastEvent = event
	t.UpdateTime = time.Now()

	for subscriber := range t.Subscribers {
		// 非阻塞发送，通道已满则跳过
		select {
		case subscriber <- event:
		default:
		}
	}
}

// Subscribe 订阅进度更新
func (t *ProgressTracker) Subscribe() chan models.ProgressEvent {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为16以避免阻塞发布方
	subscriber := make(chan models.ProgressEvent, 16)
	t.Subscribers[subscriber] = true

	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan models.ProgressEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.Subscribers[subscriber]; exists {
		delete(t.Subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupFinished 清理已结束且长时间未更新的跟踪器
func (s *ProgressService) CleanupFinished(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		expired := tracker.Done && now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if expired {
			delete(s.trackers, id)
		}
	}
}
