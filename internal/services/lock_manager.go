// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 管理每部小说的执行锁
// 同一小说ID同时最多允许一条流水线在执行，创建与恢复共用同一把锁，
// 后到的调用阻塞到前一次执行完整落盘后才能观察到一致状态
type LockManager struct {
	novelLocks    map[string]*LockInfo
	globalLock    sync.RWMutex
	lockTTL       time.Duration
	cleanupTicker *time.Ticker
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Mutex    *sync.Mutex
	LastUsed time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		novelLocks: make(map[string]*LockInfo),
		lockTTL:    10 * time.Minute,
	}

	// 启动清理器
	lm.startCleanup()
	return lm
}

// startCleanup 周期性清理长时间未使用的锁
func (lm *LockManager) startCleanup() {
	lm.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for range lm.cleanupTicker.C {
			lm.Cleanup(lm.lockTTL)
		}
	}()
}

// GetNovelLock 获取小说执行锁（线程安全）
func (lm *LockManager) GetNovelLock(novelID string) *sync.Mutex {
	lm.globalLock.RLock()
	if lockInfo, exists := lm.novelLocks[novelID]; exists {
		lm.globalLock.RUnlock()
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}
	lm.globalLock.RUnlock()

	// 升级为写锁
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	// 双重检查（在写锁保护下是安全的）
	if lockInfo, exists := lm.novelLocks[novelID]; exists {
		lockInfo.LastUsed = time.Now()
		return lockInfo.Mutex
	}

	lockInfo := &LockInfo{
		Mutex:    &sync.Mutex{},
		LastUsed: time.Now(),
	}
	lm.novelLocks[novelID] = lockInfo
	return lockInfo.Mutex
}

// ExecuteWithNovelLock 在小说执行锁保护下执行操作，锁在整次执行期间持有
func (lm *LockManager) ExecuteWithNovelLock(novelID string, fn func() error) error {
	lock := lm.GetNovelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	return fn()
}

// Cleanup 清理长时间未使用的锁
func (lm *LockManager) Cleanup(maxIdle time.Duration) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	now := time.Now()
	for novelID, lockInfo := range lm.novelLocks {
		if now.Sub(lockInfo.LastUsed) > maxIdle {
			// 只清理当前没有被持有的锁
			if lockInfo.Mutex.TryLock() {
				lockInfo.Mutex.Unlock()
				delete(lm.novelLocks, novelID)
			}
		}
	}
}
