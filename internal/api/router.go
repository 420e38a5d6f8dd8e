// internal/api/router.go
package api

import (
	"fmt"

	"github.com/Corphon/NovelForgeMCP/internal/config"
	"github.com/Corphon/NovelForgeMCP/internal/di"
	"github.com/Corphon/NovelForgeMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 只从容器获取服务，不再创建新实例
	container := di.GetContainer()

	workflowService, ok := container.Get("workflow").(*services.WorkflowService)
	if !ok {
		return nil, fmt.Errorf("流水线服务未正确初始化")
	}

	novelStore, ok := container.Get("store").(*services.NovelStore)
	if !ok {
		return nil, fmt.Errorf("存储服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	handler := NewHandler(workflowService, novelStore, progressService)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// API路由
	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/novels", handler.CreateNovel)
		apiGroup.GET("/novels", handler.ListNovels)
		apiGroup.GET("/novels/:id", handler.GetNovel)
		apiGroup.DELETE("/novels/:id", handler.DeleteNovel)
		apiGroup.POST("/novels/:id/resume", handler.ResumeNovel)
		apiGroup.GET("/novels/:id/export", handler.ExportNovel)
		apiGroup.GET("/novels/:id/images/*path", handler.GetImage)
		apiGroup.POST("/novels/import", handler.ImportNovel)
		apiGroup.GET("/backup", handler.BackupAll)
		apiGroup.POST("/restore", handler.Restore)
	}

	// WebSocket进度推送
	r.GET("/ws/progress/:id", handler.ProgressWebSocket)

	return r, nil
}

// corsMiddleware 跨域中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
