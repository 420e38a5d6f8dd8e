// internal/api/handlers_test.go
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/NovelForgeMCP/internal/errors"
	"github.com/Corphon/NovelForgeMCP/internal/models"
	"github.com/Corphon/NovelForgeMCP/internal/services"
)

// stubProvider 离线测试用的能力客户端
type stubProvider struct{}

func (stubProvider) ExtractCharacters(ctx context.Context, script string) ([]models.ExtractedCharacter, error) {
	return []models.ExtractedCharacter{{Name: "李明", Description: "剑客"}}, nil
}

func (stubProvider) SplitIntoScenes(ctx context.Context, script string) ([]models.ExtractedScene, error) {
	return []models.ExtractedScene{{Title: "山门", CastingNames: []string{"李明"}}}, nil
}

func (stubProvider) GeneratePrompt(ctx context.Context, scene *models.Scene, characters []*models.Character) (string, error) {
	return "提示词", nil
}

func (stubProvider) GenerateCharacterImage(ctx context.Context, description string) ([]byte, error) {
	return []byte("png"), nil
}

func (stubProvider) GenerateSceneImage(ctx context.Context, prompt string, referenceImages [][]byte) ([]byte, error) {
	return []byte("png"), nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *services.NovelStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := services.NewNovelStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}

	progress := services.NewProgressService()
	workflow := services.NewWorkflowService(store, stubProvider{}, stubProvider{}, progress, 2)
	handler := NewHandler(workflow, store, progress)

	r := gin.New()
	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/novels", handler.CreateNovel)
		apiGroup.GET("/novels", handler.ListNovels)
		apiGroup.GET("/novels/:id", handler.GetNovel)
		apiGroup.DELETE("/novels/:id", handler.DeleteNovel)
		apiGroup.POST("/novels/:id/resume", handler.ResumeNovel)
		apiGroup.GET("/novels/:id/export", handler.ExportNovel)
		apiGroup.POST("/novels/import", handler.ImportNovel)
		apiGroup.GET("/backup", handler.BackupAll)
		apiGroup.POST("/restore", handler.Restore)
	}

	return r, store
}

func doJSON(t *testing.T, r *gin.Engine, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("序列化请求失败: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()

	var resp APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("响应解析失败: %v\n%s", err, w.Body.String())
	}
	return resp
}

func TestCreateNovelEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{
		Title:  "测试小说",
		Script: "第一章",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("期望201，得到 %d: %s", w.Code, w.Body.String())
	}

	resp := decodeResponse(t, w)
	if !resp.Success {
		t.Fatalf("响应应标记成功: %s", w.Body.String())
	}
}

func TestCreateNovelEndpoint_ValidationError(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{Title: "", Script: "x"})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("空标题期望400，得到 %d", w.Code)
	}

	resp := decodeResponse(t, w)
	if resp.Success || resp.Error == nil {
		t.Fatal("错误响应应携带错误信息")
	}
	if resp.Error.Code != "BAD_REQUEST" {
		t.Errorf("错误码不正确: %s", resp.Error.Code)
	}
}

// failingTextProvider 模拟上游文本能力持续不可用
type failingTextProvider struct{ stubProvider }

func (failingTextProvider) ExtractCharacters(ctx context.Context, script string) ([]models.ExtractedCharacter, error) {
	return nil, apperrors.NewRemoteServiceError("gemini", "服务暂时不可用", true, nil)
}

func TestCreateNovelEndpoint_FatalRunStillReportsResult(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store, err := services.NewNovelStore(t.TempDir())
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	progress := services.NewProgressService()
	workflow := services.NewWorkflowService(store, failingTextProvider{}, stubProvider{}, progress, 2)
	handler := NewHandler(workflow, store, progress)

	r := gin.New()
	r.POST("/api/novels", handler.CreateNovel)

	w := doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{
		Title:  "上游故障",
		Script: "第一章",
	})

	if w.Code != http.StatusBadGateway {
		t.Fatalf("上游故障期望502，得到 %d: %s", w.Code, w.Body.String())
	}

	// 中断的执行同样返回结果快照，而不是只有一条错误
	var resp struct {
		Success bool               `json:"success"`
		Data    *RunResultResponse `json:"data"`
		Error   *APIError          `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("响应解析失败: %v\n%s", err, w.Body.String())
	}

	if resp.Success {
		t.Error("中断的执行不应标记成功")
	}
	if resp.Error == nil || resp.Error.Code != "UPSTREAM_ERROR" {
		t.Fatalf("错误码不正确: %+v", resp.Error)
	}
	if resp.Data == nil {
		t.Fatal("响应体应携带执行结果快照")
	}
	if resp.Data.Status != models.RunStatusFailed {
		t.Errorf("执行状态应为失败: %s", resp.Data.Status)
	}
	if resp.Data.Novel == nil {
		t.Error("结果快照应包含已落盘的小说骨架")
	}
}

func TestGetNovelEndpoint_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/api/novels/不存在", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("期望404，得到 %d", w.Code)
	}
}

func TestListAndGetNovelEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	created := doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{
		Title:  "测试小说",
		Script: "第一章",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("创建失败: %s", created.Body.String())
	}

	w := doJSON(t, r, http.MethodGet, "/api/novels", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("期望200，得到 %d", w.Code)
	}

	var listResp struct {
		Data []models.NovelMetadata `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("列表响应解析失败: %v", err)
	}
	if len(listResp.Data) != 1 {
		t.Fatalf("期望1部小说，得到 %d", len(listResp.Data))
	}

	novelID := listResp.Data[0].ID
	detail := doJSON(t, r, http.MethodGet, "/api/novels/"+novelID, nil)
	if detail.Code != http.StatusOK {
		t.Fatalf("期望200，得到 %d", detail.Code)
	}
}

func TestResumeEndpoint_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/novels/不存在/resume", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("期望404，得到 %d", w.Code)
	}
}

func TestExportImportEndpoints(t *testing.T) {
	r, store := newTestRouter(t)

	created := doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{
		Title:  "导出测试",
		Script: "第一章",
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("创建失败: %s", created.Body.String())
	}

	metas, err := store.ListNovels()
	if err != nil || len(metas) != 1 {
		t.Fatalf("列出小说失败: %v", err)
	}
	novelID := metas[0].ID

	export := doJSON(t, r, http.MethodGet, "/api/novels/"+novelID+"/export", nil)
	if export.Code != http.StatusOK {
		t.Fatalf("导出期望200，得到 %d", export.Code)
	}
	if export.Header().Get("Content-Type") != "application/zip" {
		t.Errorf("导出应返回zip: %s", export.Header().Get("Content-Type"))
	}

	// 归档作为原始请求体导入，ID冲突触发重映射
	req := httptest.NewRequest(http.MethodPost, "/api/novels/import", bytes.NewReader(export.Body.Bytes()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("导入期望201，得到 %d: %s", w.Code, w.Body.String())
	}

	metas, err = store.ListNovels()
	if err != nil || len(metas) != 2 {
		t.Fatalf("导入后应有2部小说: %v", err)
	}
}

func TestDeleteNovelEndpoint(t *testing.T) {
	r, store := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{Title: "待删除", Script: "x"})

	metas, _ := store.ListNovels()
	if len(metas) != 1 {
		t.Fatalf("创建失败")
	}

	w := doJSON(t, r, http.MethodDelete, "/api/novels/"+metas[0].ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("删除期望200，得到 %d", w.Code)
	}

	if store.NovelExists(metas[0].ID) {
		t.Error("删除后小说不应存在")
	}
}

func TestBackupRestoreEndpoints(t *testing.T) {
	r, _ := newTestRouter(t)

	doJSON(t, r, http.MethodPost, "/api/novels", CreateNovelRequest{Title: "备份测试", Script: "x"})

	backup := doJSON(t, r, http.MethodGet, "/api/backup", nil)
	if backup.Code != http.StatusOK {
		t.Fatalf("备份期望200，得到 %d", backup.Code)
	}

	// 恢复到另一套服务实例
	r2, store2 := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/restore", bytes.NewReader(backup.Body.Bytes()))
	w := httptest.NewRecorder()
	r2.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("恢复期望200，得到 %d: %s", w.Code, w.Body.String())
	}

	metas, err := store2.ListNovels()
	if err != nil || len(metas) != 1 {
		t.Fatalf("恢复后应有1部小说: %v", err)
	}
}

func TestImportEndpoint_RejectsGarbage(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/novels/import", bytes.NewReader([]byte("不是zip")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("非法归档期望400，得到 %d", w.Code)
	}
}
