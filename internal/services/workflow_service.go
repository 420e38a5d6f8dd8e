// internal/services/workflow_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/Corphon/NovelForgeMCP/internal/errors"
	"github.com/Corphon/NovelForgeMCP/internal/llm"
	"github.com/Corphon/NovelForgeMCP/internal/models"
)

// WorkflowService 小说自动化流水线引擎
// 阶段严格有序：角色提取 -> 角色基准图 -> 场景分镜 -> 场景提示词+配图 -> 落盘。
// 阶段内的子任务相互独立，单个子任务失败不阻塞其他子任务，
// 失败清单随执行结果一并返回，从不静默吞掉部分失败
type WorkflowService struct {
	Store       *NovelStore
	TextClient  llm.TextAnalysisClient
	ImageClient llm.ImageGenerationClient
	Progress    *ProgressService
	Locks       *LockManager
	WorkerCount int
}

// NewWorkflowService 创建工作流服务
func NewWorkflowService(store *NovelStore, textClient llm.TextAnalysisClient,
	imageClient llm.ImageGenerationClient, progress *ProgressService, workerCount int) *WorkflowService {
	if workerCount <= 0 {
		workerCount = 3
	}

	return &WorkflowService{
		Store:       store,
		TextClient:  textClient,
		ImageClient: imageClient,
		Progress:    progress,
		Locks:       NewLockManager(),
		WorkerCount: workerCount,
	}
}

// runState 单次执行的失败簿记
type runState struct {
	mutex      sync.Mutex
	failures   []models.SubUnitFailure
	mismatches []string
}

func (r *runState) recordFailure(stage, entityID, entityName string, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.failures = append(r.failures, models.SubUnitFailure{
		Stage:      stage,
		EntityID:   entityID,
		EntityName: entityName,
		Reason:     err.Error(),
	})
}

func (r *runState) recordMismatch(mismatch *apperrors.ReferentialMismatch) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	log.Printf("选角未匹配: %v", mismatch)
	r.mismatches = append(r.mismatches, mismatch.Error())
}

// CreateNovelFromScript 执行完整自动化流水线
// 骨架落盘失败、角色提取失败、场景分镜失败对整次执行是致命的；
// 其余失败只影响对应子任务
func (s *WorkflowService) CreateNovelFromScript(ctx context.Context, title, script string) (*models.RunResult, error) {
	if strings.TrimSpace(title) == "" {
		return nil, apperrors.NewValidationError("小说标题不能为空")
	}
	if strings.TrimSpace(script) == "" {
		return nil, apperrors.NewValidationError("剧本内容不能为空")
	}

	novel := &models.Novel{
		ID:         uuid.NewString(),
		Title:      title,
		Script:     script,
		CreatedAt:  time.Now(),
		Characters: make(map[string]*models.Character),
		Scenes:     make(map[string]*models.Scene),
	}

	var result *models.RunResult
	var runErr error

	// 每部小说同时最多一条执行中的流水线
	s.Locks.ExecuteWithNovelLock(novel.ID, func() error {
		// 1. 初始化：持久化空骨架，失败则不开始执行
		s.Progress.CreateTracker(novel.ID)
		s.Progress.Publish(novel.ID, models.StageInitialize, 0, 1)

		if err := s.Store.SaveNovel(novel); err != nil {
			runErr = err
			return nil
		}
		s.Progress.Publish(novel.ID, models.StageInitialize, 1, 1)

		result, runErr = s.runPipeline(ctx, novel)
		return nil
	})

	s.Progress.Finish(novel.ID)
	return result, runErr
}

// ResumeNovel 恢复一部小说的流水线
// 通过结构检查找出未完成的子任务并只重跑这些子任务；
// 对已完成的小说调用不会产生任何外部能力调用
func (s *WorkflowService) ResumeNovel(ctx context.Context, novelID string) (*models.RunResult, error) {
	var result *models.RunResult
	var runErr error

	s.Locks.ExecuteWithNovelLock(novelID, func() error {
		novel, err := s.Store.LoadNovel(novelID)
		if err != nil {
			runErr = err
			return nil
		}

		s.Progress.CreateTracker(novelID)
		result, runErr = s.runPipeline(ctx, novel)
		return nil
	})

	s.Progress.Finish(novelID)
	return result, runErr
}

// RegisterProgressCallback 注册进度订阅回调
func (s *WorkflowService) RegisterProgressCallback(cb ProgressCallback) {
	s.Progress.RegisterCallback(cb)
}

// runPipeline 在持有小说执行锁的前提下推进流水线
func (s *WorkflowService) runPipeline(ctx context.Context, novel *models.Novel) (*models.RunResult, error) {
	state := &runState{}

	// 2. 角色提取（阶段级调用，失败对整次执行致命）
	// 场景已存在而角色为空说明上次提取合法地返回了零个角色，不再重跑
	if len(novel.Characters) == 0 && len(novel.Scenes) == 0 {
		if err := s.extractCharacters(ctx, novel); err != nil {
			return &models.RunResult{Novel: novel, Status: models.RunStatusFailed}, err
		}
	}

	// 3. 角色基准图（独立子任务，并发执行）
	if err := s.generateCharacterImages(ctx, novel, state); err != nil {
		return s.finalize(novel, state, err)
	}

	// 4. 场景分镜（阶段级调用，失败致命）
	if len(novel.Scenes) == 0 {
		if err := s.splitScenes(ctx, novel, state); err != nil {
			status := models.RunStatusFailed
			if len(novel.Characters) > 0 {
				// 角色已产出，保留部分成果，可恢复
				status = models.RunStatusPartiallyFailed
			}
			return &models.RunResult{Novel: novel, Status: status, Failures: state.failures}, err
		}
	}

	// 5. 场景提示词与配图（独立子任务，并发执行）
	// 此阶段开始前全部角色记录必定已存在，即使部分基准图缺失
	if err := s.enrichScenes(ctx, novel, state); err != nil {
		return s.finalize(novel, state, err)
	}

	// 6. 落盘并计算终态
	return s.finalize(novel, state, nil)
}

// extractCharacters 调用文本分析提取角色并建立角色记录
// 提取零个角色时按空角色表继续推进，所有选角名都会成为未匹配记录
func (s *WorkflowService) extractCharacters(ctx context.Context, novel *models.Novel) error {
	s.Progress.Publish(novel.ID, models.StageExtractChars, 0, 1)

	extracted, err := s.TextClient.ExtractCharacters(ctx, novel.Script)
	if err != nil {
		return err
	}

	for _, ec := range extracted {
		character := &models.Character{
			ID:          uuid.NewString(),
			NovelID:     novel.ID,
			Name:        ec.Name,
			Description: ec.Description,
			CreatedAt:   time.Now(),
		}
		novel.Characters[character.ID] = character
	}

	// 角色记录先行落盘，基准图生成失败不会丢失提取成果
	if err := s.Store.SaveNovel(novel); err != nil {
		return err
	}

	s.Progress.Publish(novel.ID, models.StageExtractChars, 1, 1)
	return nil
}

// generateCharacterImages 并发生成缺失的角色基准图
// 单个角色失败只记录，不阻塞其他角色，该角色保持空基准图
func (s *WorkflowService) generateCharacterImages(ctx context.Context, novel *models.Novel, state *runState) error {
	var pending []*models.Character
	for _, character := range novel.Characters {
		if !character.HasReferenceImage() {
			pending = append(pending, character)
		}
	}

	total := len(pending)
	if total == 0 {
		return nil
	}

	s.Progress.Publish(novel.ID, models.StageCharacterImages, 0, total)

	var done int
	var doneMutex sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(s.WorkerCount)

	for _, character := range pending {
		character := character
		g.Go(func() error {
			if err := s.generateOneCharacterImage(ctx, novel, character); err != nil {
				state.recordFailure(models.StageCharacterImages, character.ID, character.Name, err)
			}

			doneMutex.Lock()
			done++
			current := done
			doneMutex.Unlock()
			s.Progress.Publish(novel.ID, models.StageCharacterImages, current, total)
			return nil
		})
	}

	g.Wait()

	return ctx.Err()
}

// generateOneCharacterImage 单个角色基准图子任务
func (s *WorkflowService) generateOneCharacterImage(ctx context.Context, novel *models.Novel, character *models.Character) error {
	imageData, err := s.ImageClient.GenerateCharacterImage(ctx, character.Description)
	if err != nil {
		return err
	}

	relPath, err := s.Store.SaveCharacterImage(novel.ID, character.ID, imageData)
	if err != nil {
		return err
	}

	// 增量进度持久化，崩溃后可从此处恢复
	if err := s.Store.UpdateField(novel.ID, "characters."+character.ID+".reference_image_path", relPath); err != nil {
		return err
	}

	character.ReferenceImagePath = relPath
	return nil
}

// splitScenes 调用文本分析切分场景并解析选角
// 选角名按不区分大小写与角色表匹配；无法匹配的名字从选角中剔除并记录
func (s *WorkflowService) splitScenes(ctx context.Context, novel *models.Novel, state *runState) error {
	s.Progress.Publish(novel.ID, models.StageSplitScenes, 0, 1)

	extracted, err := s.TextClient.SplitIntoScenes(ctx, novel.Script)
	if err != nil {
		return err
	}

	for i, es := range extracted {
		title := es.Title
		if strings.TrimSpace(title) == "" {
			title = fmt.Sprintf("场景 %d", i+1)
		}

		scene := &models.Scene{
			ID:          uuid.NewString(),
			NovelID:     novel.ID,
			Title:       title,
			Storyboard:  es.Storyboard,
			Narration:   es.Narration,
			Dialogue:    es.Dialogue,
			MiseEnScene: es.MiseEnScene,
			CreatedAt:   time.Now(),
		}

		// 选角顺序保持分镜返回顺序，提示词拼装依赖该顺序
		for _, name := range es.CastingNames {
			if character, found := novel.FindCharacterByName(name); found {
				scene.Casting = append(scene.Casting, character.ID)
			} else {
				state.recordMismatch(&apperrors.ReferentialMismatch{
					SceneTitle:  title,
					CastingName: name,
				})
			}
		}

		novel.Scenes[scene.ID] = scene
	}

	if err := s.Store.SaveNovel(novel); err != nil {
		return err
	}

	s.Progress.Publish(novel.ID, models.StageSplitScenes, 1, 1)
	return nil
}

// enrichScenes 并发补全场景的提示词与配图
func (s *WorkflowService) enrichScenes(ctx context.Context, novel *models.Novel, state *runState) error {
	var pending []*models.Scene
	for _, scene := range novel.Scenes {
		if !scene.Enriched() {
			pending = append(pending, scene)
		}
	}

	total := len(pending)
	if total == 0 {
		return nil
	}

	s.Progress.Publish(novel.ID, models.StageSceneEnrichment, 0, total)

	var done int
	var doneMutex sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(s.WorkerCount)

	for _, scene := range pending {
		scene := scene
		g.Go(func() error {
			if err := s.enrichOneScene(ctx, novel, scene); err != nil {
				state.recordFailure(models.StageSceneEnrichment, scene.ID, scene.Title, err)
			}

			doneMutex.Lock()
			done++
			current := done
			doneMutex.Unlock()
			s.Progress.Publish(novel.ID, models.StageSceneEnrichment, current, total)
			return nil
		})
	}

	g.Wait()

	return ctx.Err()
}

// enrichOneScene 单个场景子任务：先提示词后配图
// 出场角色中缺少基准图的只是被省略，不做任何替代
func (s *WorkflowService) enrichOneScene(ctx context.Context, novel *models.Novel, scene *models.Scene) error {
	cast := s.resolveCast(novel, scene)

	if scene.ImagePrompt == "" {
		prompt, err := s.TextClient.GeneratePrompt(ctx, scene, cast)
		if err != nil {
			return err
		}

		if err := s.Store.UpdateField(novel.ID, "scenes."+scene.ID+".image_prompt", prompt); err != nil {
			return err
		}
		scene.ImagePrompt = prompt
	}

	if scene.ImagePath == "" {
		var referenceImages [][]byte
		for _, character := range cast {
			if !character.HasReferenceImage() {
				continue
			}
			data, err := s.Store.LoadImage(character.ReferenceImagePath)
			if err != nil {
				log.Printf("警告: 角色 %s 的基准图读取失败，从参考图中省略: %v", character.Name, err)
				continue
			}
			referenceImages = append(referenceImages, data)
		}

		imageData, err := s.ImageClient.GenerateSceneImage(ctx, scene.ImagePrompt, referenceImages)
		if err != nil {
			return err
		}

		relPath, err := s.Store.SaveSceneImage(novel.ID, scene.ID, imageData)
		if err != nil {
			return err
		}

		if err := s.Store.UpdateField(novel.ID, "scenes."+scene.ID+".image_path", relPath); err != nil {
			return err
		}
		scene.ImagePath = relPath
	}

	return nil
}

// resolveCast 按选角顺序取出场角色
func (s *WorkflowService) resolveCast(novel *models.Novel, scene *models.Scene) []*models.Character {
	cast := make([]*models.Character, 0, len(scene.Casting))
	for _, characterID := range scene.Casting {
		if character, exists := novel.Characters[characterID]; exists {
			cast = append(cast, character)
		}
	}
	return cast
}

// finalize 写入聚合并计算终态
func (s *WorkflowService) finalize(novel *models.Novel, state *runState, runErr error) (*models.RunResult, error) {
	s.Progress.Publish(novel.ID, models.StagePersist, 0, 1)

	if err := s.Store.SaveNovel(novel); err != nil {
		// 顶层索引写入失败对整次执行致命
		return &models.RunResult{
			Novel:      novel,
			Status:     models.RunStatusPartiallyFailed,
			Failures:   state.failures,
			Mismatches: state.mismatches,
		}, err
	}

	s.Progress.Publish(novel.ID, models.StagePersist, 1, 1)

	status := models.RunStatusCompleted
	if runErr != nil || len(state.failures) > 0 {
		status = models.RunStatusPartiallyFailed
	}

	return &models.RunResult{
		Novel:      novel,
		Status:     status,
		Failures:   state.failures,
		Mismatches: state.mismatches,
	}, runErr
}
