// internal/api/handlers.go
package api

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Corphon/NovelForgeMCP/internal/models"
	"github.com/Corphon/NovelForgeMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler 处理API请求
type Handler struct {
	WorkflowService *services.WorkflowService // 流水线引擎
	NovelStore      *services.NovelStore      // 小说存储
	ProgressService *services.ProgressService // 进度跟踪服务
	Response        *ResponseHelper           // 响应助手
}

// NewHandler 创建API处理器
func NewHandler(workflow *services.WorkflowService, store *services.NovelStore,
	progress *services.ProgressService) *Handler {
	return &Handler{
		WorkflowService: workflow,
		NovelStore:      store,
		ProgressService: progress,
		Response:        NewResponseHelper(),
	}
}

// CreateNovelRequest 创建小说的请求结构
type CreateNovelRequest struct {
	Title  string `json:"title"`  // 小说标题
	Script string `json:"script"` // 剧本全文
}

// RunResultResponse 流水线执行结果响应
type RunResultResponse struct {
	Novel      *models.NovelMetadata   `json:"novel"`
	Status     models.RunStatus        `json:"status"`
	Failures   []models.SubUnitFailure `json:"failures,omitempty"`
	Mismatches []string                `json:"mismatches,omitempty"`
}

// CreateNovel 从剧本创建小说并执行完整流水线
// POST /api/novels
func (h *Handler) CreateNovel(c *gin.Context) {
	var req CreateNovelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求格式错误", err.Error())
		return
	}

	result, err := h.WorkflowService.CreateNovelFromScript(c.Request.Context(), req.Title, req.Script)
	if err != nil && result == nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.respondRunResult(c, result, err, true)
}

// ResumeNovel 恢复一部小说未完成的流水线
// POST /api/novels/:id/resume
func (h *Handler) ResumeNovel(c *gin.Context) {
	novelID := c.Param("id")

	result, err := h.WorkflowService.ResumeNovel(c.Request.Context(), novelID)
	if err != nil && result == nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.respondRunResult(c, result, err, false)
}

// respondRunResult 带失败清单的执行结果响应
// 部分失败仍然返回成功状态码，失败清单在响应体中逐条可见
func (h *Handler) respondRunResult(c *gin.Context, result *models.RunResult, runErr error, created bool) {
	resp := &RunResultResponse{
		Status:     result.Status,
		Failures:   result.Failures,
		Mismatches: result.Mismatches,
	}
	if result.Novel != nil {
		resp.Novel = result.Novel.Metadata()
	}

	if runErr != nil {
		log.Printf("流水线执行中断: %v", runErr)
		h.Response.FromAppErrorWithData(c, runErr, resp)
		return
	}

	if created {
		h.Response.Created(c, resp, "小说创建完成")
	} else {
		h.Response.Success(c, resp, "流水线恢复完成")
	}
}

// ListNovels 列出所有小说的元数据
// GET /api/novels
func (h *Handler) ListNovels(c *gin.Context) {
	novels, err := h.NovelStore.ListNovels()
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, novels)
}

// GetNovel 获取单部小说的完整聚合
// GET /api/novels/:id
func (h *Handler) GetNovel(c *gin.Context) {
	novelID := c.Param("id")

	novel, err := h.NovelStore.LoadNovel(novelID)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, novel)
}

// DeleteNovel 删除一部小说及其全部子文档与图片
// DELETE /api/novels/:id
func (h *Handler) DeleteNovel(c *gin.Context) {
	novelID := c.Param("id")

	if err := h.NovelStore.DeleteNovel(novelID); err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, nil, "小说已删除")
}

// ExportNovel 导出小说为zip归档
// GET /api/novels/:id/export
func (h *Handler) ExportNovel(c *gin.Context) {
	novelID := c.Param("id")

	data, err := h.NovelStore.ExportNovel(novelID)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	filename := fmt.Sprintf("novel_%s_%s.zip", novelID, time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/zip", data)
}

// ImportNovel 从zip归档导入小说
// POST /api/novels/import
func (h *Handler) ImportNovel(c *gin.Context) {
	data, err := h.readArchiveBody(c)
	if err != nil {
		h.Response.BadRequest(c, "读取归档失败", err.Error())
		return
	}

	novel, err := h.NovelStore.ImportNovel(data)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Created(c, novel.Metadata(), "小说导入成功")
}

// BackupAll 备份全部数据为zip归档
// GET /api/backup
func (h *Handler) BackupAll(c *gin.Context) {
	data, err := h.NovelStore.BackupAll()
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	filename := fmt.Sprintf("backup_%s.zip", time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/zip", data)
}

// Restore 从zip归档恢复全部数据
// POST /api/restore
func (h *Handler) Restore(c *gin.Context) {
	data, err := h.readArchiveBody(c)
	if err != nil {
		h.Response.BadRequest(c, "读取归档失败", err.Error())
		return
	}

	if err := h.NovelStore.Restore(data); err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, nil, "数据恢复成功")
}

// GetImage 读取角色或场景图片
// GET /api/novels/:id/images/*path
func (h *Handler) GetImage(c *gin.Context) {
	novelID := c.Param("id")
	relPath := c.Param("path")

	data, err := h.NovelStore.LoadImage(fmt.Sprintf("novels/%s/images%s", novelID, relPath))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	c.Data(http.StatusOK, "image/png", data)
}

// readArchiveBody 从multipart表单或原始请求体读取归档字节
func (h *Handler) readArchiveBody(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	return io.ReadAll(c.Request.Body)
}
