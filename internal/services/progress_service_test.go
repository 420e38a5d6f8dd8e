// internal/services/progress_service_test.go
package services

import (
	"testing"
	"time"

	"github.com/Corphon/NovelForgeMCP/internal/models"
)

func TestProgressService_SubscriberReceivesEvents(t *testing.T) {
	ps := NewProgressService()
	tracker := ps.CreateTracker("novel-1")

	events := tracker.Subscribe()
	defer tracker.Unsubscribe(events)

	ps.Publish("novel-1", models.StageExtractChars, 0, 1)

	select {
	case event := <-events:
		if event.Stage != models.StageExtractChars {
			t.Errorf("阶段不一致: %s", event.Stage)
		}
		if event.NovelID != "novel-1" {
			t.Errorf("小说ID不一致: %s", event.NovelID)
		}
	case <-time.After(time.Second):
		t.Fatal("订阅者应收到进度事件")
	}
}

func TestProgressService_SlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	ps := NewProgressService()
	tracker := ps.CreateTracker("novel-1")

	// 订阅但从不消费，缓冲填满后发布方必须仍能立即返回
	events := tracker.Subscribe()
	defer tracker.Unsubscribe(events)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			ps.Publish("novel-1", models.StageCharacterImages, i, 100)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("发布不应被阻塞的订阅者拖住")
	}

	// 最后状态仍被记录
	if tracker.LastEvent.Current != 99 {
		t.Errorf("跟踪器应记录最后一个事件，得到 %d", tracker.LastEvent.Current)
	}
}

func TestProgressService_CallbackReceivesAllEvents(t *testing.T) {
	ps := NewProgressService()
	ps.CreateTracker("novel-1")

	var received []models.ProgressEvent
	ps.RegisterCallback(func(event models.ProgressEvent) {
		received = append(received, event)
	})

	ps.Publish("novel-1", models.StageSplitScenes, 0, 1)
	ps.Publish("novel-1", models.StageSplitScenes, 1, 1)

	if len(received) != 2 {
		t.Fatalf("回调应收到全部事件，得到 %d 个", len(received))
	}
}

func TestProgressService_PublishWithoutTrackerIsNoop(t *testing.T) {
	ps := NewProgressService()

	// 没有跟踪器时发布不应panic
	ps.Publish("不存在", models.StagePersist, 1, 1)
}

func TestProgressService_CreateTrackerReusesExisting(t *testing.T) {
	ps := NewProgressService()

	tracker1 := ps.CreateTracker("novel-1")
	ps.Finish("novel-1")

	tracker2 := ps.CreateTracker("novel-1")
	if tracker1 != tracker2 {
		t.Fatal("同一小说应复用跟踪器")
	}
	if tracker2.Done {
		t.Error("重新创建应重置结束标志")
	}
}

func TestProgressService_CleanupFinished(t *testing.T) {
	ps := NewProgressService()

	ps.CreateTracker("done")
	ps.Finish("done")
	ps.CreateTracker("running")

	time.Sleep(5 * time.Millisecond)
	ps.CleanupFinished(time.Millisecond)

	if _, exists := ps.GetTracker("done"); exists {
		t.Error("已结束且过期的跟踪器应被清理")
	}
	if _, exists := ps.GetTracker("running"); !exists {
		t.Error("未结束的跟踪器不应被清理")
	}
}

func TestProgressTracker_UnsubscribeClosesChannel(t *testing.T) {
	ps := NewProgressService()
	tracker := ps.CreateTracker("novel-1")

	events := tracker.Subscribe()
	tracker.Unsubscribe(events)

	if _, open := <-events; open {
		t.Fatal("取消订阅后通道应被关闭")
	}

	// 重复取消订阅不应panic
	tracker.Unsubscribe(events)
}
