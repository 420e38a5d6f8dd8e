// internal/services/lock_manager_test.go
package services

import (
	"sync"
	"testing"
	"time"
)

func TestLockManager_SameNovelSerializes(t *testing.T) {
	lm := NewLockManager()

	var counter, maxConcurrent int
	var mutex sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.ExecuteWithNovelLock("novel-1", func() error {
				mutex.Lock()
				counter++
				if counter > maxConcurrent {
					maxConcurrent = counter
				}
				mutex.Unlock()

				time.Sleep(time.Millisecond)

				mutex.Lock()
				counter--
				mutex.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("同一小说的执行应串行，观察到并发度 %d", maxConcurrent)
	}
}

func TestLockManager_DifferentNovelsDoNotBlock(t *testing.T) {
	lm := NewLockManager()

	release := make(chan struct{})
	acquired := make(chan struct{})

	go lm.ExecuteWithNovelLock("novel-a", func() error {
		close(acquired)
		<-release
		return nil
	})
	<-acquired

	done := make(chan struct{})
	go func() {
		lm.ExecuteWithNovelLock("novel-b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("不同小说的锁不应互相阻塞")
	}

	close(release)
}

func TestLockManager_GetNovelLockReturnsSameLock(t *testing.T) {
	lm := NewLockManager()

	lock1 := lm.GetNovelLock("novel-1")
	lock2 := lm.GetNovelLock("novel-1")
	if lock1 != lock2 {
		t.Fatal("同一小说ID应返回同一把锁")
	}

	other := lm.GetNovelLock("novel-2")
	if lock1 == other {
		t.Fatal("不同小说ID不应共享锁")
	}
}

func TestLockManager_CleanupSkipsHeldLocks(t *testing.T) {
	lm := NewLockManager()

	held := lm.GetNovelLock("held")
	held.Lock()
	defer held.Unlock()

	lm.GetNovelLock("idle")

	time.Sleep(5 * time.Millisecond)
	lm.Cleanup(time.Millisecond)

	lm.globalLock.RLock()
	_, heldExists := lm.novelLocks["held"]
	_, idleExists := lm.novelLocks["idle"]
	lm.globalLock.RUnlock()

	if !heldExists {
		t.Error("被持有的锁不应被清理")
	}
	if idleExists {
		t.Error("空闲超时的锁应被清理")
	}
}
