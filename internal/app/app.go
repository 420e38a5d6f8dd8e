// internal/app/app.go
package app

import (
	"fmt"
	"log"

	"github.com/Corphon/NovelForgeMCP/internal/config"
	"github.com/Corphon/NovelForgeMCP/internal/di"
	"github.com/Corphon/NovelForgeMCP/internal/llm"
	_ "github.com/Corphon/NovelForgeMCP/internal/llm/providers/gemini" // 注册gemini提供者
	"github.com/Corphon/NovelForgeMCP/internal/services"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器
func InitServices() error {
	cfg := config.GetCurrentConfig()

	// 重置容器，重复初始化时不留旧实例
	container := di.GetContainer()
	container.Clear()

	// 1. 存储层
	novelStore, err := services.NewNovelStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化小说存储失败: %w", err)
	}
	container.Register("storage", novelStore.Files)
	container.Register("store", novelStore)

	// 启动时做一次完整性扫描，损坏的记录逐条报告但不阻止启动
	if _, problems := novelStore.LoadAllNovels(); len(problems) > 0 {
		for _, problem := range problems {
			log.Printf("⚠️ 数据完整性: %s", problem)
		}
	}

	// 2. 进度服务
	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	// 3. 外部能力提供者
	provider, err := llm.DefaultRegistry.GetProvider("gemini", llm.ProviderConfig{
		APIKey:     cfg.GeminiAPIKey,
		TextModel:  cfg.TextModel,
		ImageModel: cfg.ImageModel,
		RateQPS:    cfg.GenerateRateQP,
	})
	if err != nil {
		return fmt.Errorf("初始化生成能力提供者失败: %w", err)
	}
	container.Register("llm", provider)

	// 4. 流水线引擎（依赖以上全部服务）
	workflowService := services.NewWorkflowService(
		novelStore, provider, provider, progressService, cfg.WorkerCount)
	container.Register("workflow", workflowService)

	return nil
}
