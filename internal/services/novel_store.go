// internal/services/novel_store.go
package services

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/NovelForgeMCP/internal/errors"
	"github.com/Corphon/NovelForgeMCP/internal/models"
	"github.com/Corphon/NovelForgeMCP/internal/storage"
)

const (
	indexFile      = "novels.json"
	novelsDir      = "novels"
	scriptFile     = "script.txt"
	charactersFile = "characters.json"
	scenesFile     = "scenes.json"
)

// NovelStore 小说聚合的持久化存储
// 顶层索引 novels.json 保存元数据，每部小说的剧本、角色、场景与图像
// 保存在 novels/<id>/ 下的独立子文档与图像目录中
type NovelStore struct {
	Files *storage.FileStorage

	// 每部小说的排它段，保证增量进度写入不互相覆盖
	novelLocks sync.Map // novelID -> *sync.Mutex
	// 索引文件的读改写保护
	indexMutex sync.Mutex
}

// NewNovelStore 创建小说存储
func NewNovelStore(baseDir string) (*NovelStore, error) {
	files, err := storage.NewFileStorage(baseDir)
	if err != nil {
		return nil, apperrors.NewPersistenceError("初始化文件存储失败", err)
	}

	return &NovelStore{Files: files}, nil
}

// getNovelLock 获取小说级排它锁
func (s *NovelStore) getNovelLock(novelID string) *sync.Mutex {
	value, _ := s.novelLocks.LoadOrStore(novelID, &sync.Mutex{})
	return value.(*sync.Mutex)
}

func novelDir(novelID string) string {
	return path.Join(novelsDir, novelID)
}

// === 索引 ===

// loadIndex 读取顶层索引，不存在时返回空索引
func (s *NovelStore) loadIndex() (map[string]models.NovelMetadata, error) {
	index := make(map[string]models.NovelMetadata)

	if !s.Files.FileExists("", indexFile) {
		return index, nil
	}

	if err := s.Files.LoadJSONFile("", indexFile, &index); err != nil {
		return nil, apperrors.NewPersistenceError("读取小说索引失败", err)
	}

	return index, nil
}

// updateIndex 在索引锁保护下读改写顶层索引
// 索引写入失败对一次执行是致命的
func (s *NovelStore) updateIndex(fn func(index map[string]models.NovelMetadata)) error {
	s.indexMutex.Lock()
	defer s.indexMutex.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}

	fn(index)

	if err := s.Files.SaveJSONFile("", indexFile, index); err != nil {
		return apperrors.NewPersistenceError("写入小说索引失败", err)
	}

	return nil
}

// NovelExists 检查小说是否存在
func (s *NovelStore) NovelExists(novelID string) bool {
	index, err := s.loadIndex()
	if err != nil {
		return false
	}
	_, exists := index[novelID]
	return exists
}

// ListNovels 返回索引中的全部小说元数据，按创建时间倒序
func (s *NovelStore) ListNovels() ([]models.NovelMetadata, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	metas := make([]models.NovelMetadata, 0, len(index))
	for _, meta := range index {
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// LoadAllNovels 加载全部小说聚合
// 单条记录损坏不会使整个集合读取失败：损坏记录被逐条报告并跳过
func (s *NovelStore) LoadAllNovels() ([]*models.Novel, []string) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, []string{err.Error()}
	}

	var novels []*models.Novel
	var problems []string

	for novelID := range index {
		novel, err := s.LoadNovel(novelID)
		if err != nil {
			problems = append(problems, fmt.Sprintf("小说 %s 加载失败: %v", novelID, err))
			continue
		}
		novels = append(novels, novel)
	}

	sort.Slice(novels, func(i, j int) bool {
		return novels[i].CreatedAt.After(novels[j].CreatedAt)
	})

	return novels, problems
}

// === 聚合读写 ===

// LoadNovel 加载一部小说的完整聚合
// 缺失的可选子文档取安全默认值：没有角色/场景文件等价于空集合
func (s *NovelStore) LoadNovel(novelID string) (*models.Novel, error) {
	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	meta, exists := index[novelID]
	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("小说不存在: %s", novelID))
	}

	novel := &models.Novel{
		ID:          meta.ID,
		Title:       meta.Title,
		Description: meta.Description,
		CreatedAt:   meta.CreatedAt,
		Characters:  make(map[string]*models.Character),
		Scenes:      make(map[string]*models.Scene),
	}

	dir := novelDir(novelID)

	if s.Files.FileExists(dir, scriptFile) {
		script, err := s.Files.LoadFile(dir, scriptFile)
		if err != nil {
			return nil, apperrors.NewPersistenceError("读取剧本失败", err)
		}
		novel.Script = string(script)
	}

	if s.Files.FileExists(dir, charactersFile) {
		if err := s.Files.LoadJSONFile(dir, charactersFile, &novel.Characters); err != nil {
			return nil, apperrors.NewPersistenceError("读取角色子文档失败", err)
		}
	}

	if s.Files.FileExists(dir, scenesFile) {
		if err := s.Files.LoadJSONFile(dir, scenesFile, &novel.Scenes); err != nil {
			return nil, apperrors.NewPersistenceError("读取场景子文档失败", err)
		}
	}

	if novel.Characters == nil {
		novel.Characters = make(map[string]*models.Character)
	}
	if novel.Scenes == nil {
		novel.Scenes = make(map[string]*models.Scene)
	}

	return novel, nil
}

// SaveNovel 原子化写入整个聚合并更新索引
func (s *NovelStore) SaveNovel(novel *models.Novel) error {
	lock := s.getNovelLock(novel.ID)
	lock.Lock()
	defer lock.Unlock()

	return s.saveNovelLocked(novel)
}

// saveNovelLocked 在持有小说锁的前提下写入聚合
func (s *NovelStore) saveNovelLocked(novel *models.Novel) error {
	dir := novelDir(novel.ID)

	if err := s.saveSubdocWithRetry(dir, scriptFile, []byte(novel.Script)); err != nil {
		return err
	}
	if err := s.saveJSONSubdocWithRetry(dir, charactersFile, novel.Characters); err != nil {
		return err
	}
	if err := s.saveJSONSubdocWithRetry(dir, scenesFile, novel.Scenes); err != nil {
		return err
	}

	return s.updateIndex(func(index map[string]models.NovelMetadata) {
		index[novel.ID] = *novel.Metadata()
	})
}

// saveSubdocWithRetry 子文档写入失败时重试一次，仍失败则升级为存储错误
func (s *NovelStore) saveSubdocWithRetry(dir, filename string, content []byte) error {
	err := s.Files.SaveFile(dir, filename, content)
	if err == nil {
		return nil
	}

	log.Printf("警告: 子文档 %s/%s 写入失败，重试一次: %v", dir, filename, err)
	if err = s.Files.SaveFile(dir, filename, content); err != nil {
		return apperrors.NewPersistenceError(fmt.Sprintf("子文档 %s 写入失败", filename), err)
	}
	return nil
}

func (s *NovelStore) saveJSONSubdocWithRetry(dir, filename string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return apperrors.NewPersistenceError("序列化子文档失败", err)
	}
	return s.saveSubdocWithRetry(dir, filename, content)
}

// DeleteNovel 删除一部小说及其全部子文档与图像
func (s *NovelStore) DeleteNovel(novelID string) error {
	lock := s.getNovelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	if s.Files.DirExists(novelDir(novelID)) {
		if err := s.Files.DeleteDir(novelDir(novelID)); err != nil {
			return apperrors.NewPersistenceError("删除小说目录失败", err)
		}
	}

	return s.updateIndex(func(index map[string]models.NovelMetadata) {
		delete(index, novelID)
	})
}

// === 增量字段更新 ===

// UpdateField 在小说级排它段内做读改写，支持子任务并发写入各自字段
// path 形如 "description"、"characters.<id>.reference_image_path"、
// "scenes.<id>.image_prompt"、"scenes.<id>.image_path"
func (s *NovelStore) UpdateField(novelID, fieldPath, value string) error {
	lock := s.getNovelLock(novelID)
	lock.Lock()
	defer lock.Unlock()

	parts := strings.Split(fieldPath, ".")
	dir := novelDir(novelID)

	switch {
	case len(parts) == 1 && parts[0] == "description":
		return s.updateIndex(func(index map[string]models.NovelMetadata) {
			if meta, exists := index[novelID]; exists {
				meta.Description = value
				index[novelID] = meta
			}
		})

	case len(parts) == 3 && parts[0] == "characters":
		characters := make(map[string]*models.Character)
		if s.Files.FileExists(dir, charactersFile) {
			if err := s.Files.LoadJSONFile(dir, charactersFile, &characters); err != nil {
				return apperrors.NewPersistenceError("读取角色子文档失败", err)
			}
		}

		character, exists := characters[parts[1]]
		if !exists {
			return apperrors.NewNotFoundError(fmt.Sprintf("角色不存在: %s", parts[1]))
		}

		switch parts[2] {
		case "reference_image_path":
			character.ReferenceImagePath = value
		case "description":
			character.Description = value
		default:
			return apperrors.NewValidationError(fmt.Sprintf("不支持的角色字段: %s", parts[2]))
		}

		return s.saveJSONSubdocWithRetry(dir, charactersFile, characters)

	case len(parts) == 3 && parts[0] == "scenes":
		scenes := make(map[string]*models.Scene)
		if s.Files.FileExists(dir, scenesFile) {
			if err := s.Files.LoadJSONFile(dir, scenesFile, &scenes); err != nil {
				return apperrors.NewPersistenceError("读取场景子文档失败", err)
			}
		}

		scene, exists := scenes[parts[1]]
		if !exists {
			return apperrors.NewNotFoundError(fmt.Sprintf("场景不存在: %s", parts[1]))
		}

		switch parts[2] {
		case "image_prompt":
			scene.ImagePrompt = value
		case "image_path":
			scene.ImagePath = value
		default:
			return apperrors.NewValidationError(fmt.Sprintf("不支持的场景字段: %s", parts[2]))
		}

		return s.saveJSONSubdocWithRetry(dir, scenesFile, scenes)

	default:
		return apperrors.NewValidationError(fmt.Sprintf("不支持的字段路径: %s", fieldPath))
	}
}

// === 图像 ===

// SaveCharacterImage 保存角色基准图，返回相对数据目录的路径
func (s *NovelStore) SaveCharacterImage(novelID, characterID string, data []byte) (string, error) {
	dir := path.Join(novelDir(novelID), models.ExportImagesDir, "characters")
	filename := characterID + ".png"

	if err := s.Files.SaveFile(dir, filename, data); err != nil {
		return "", apperrors.NewPersistenceError("保存角色图像失败", err)
	}

	return path.Join(dir, filename), nil
}

// SaveSceneImage 保存场景图，返回相对数据目录的路径
func (s *NovelStore) SaveSceneImage(novelID, sceneID string, data []byte) (string, error) {
	dir := path.Join(novelDir(novelID), models.ExportImagesDir, "scenes")
	filename := sceneID + ".png"

	if err := s.Files.SaveFile(dir, filename, data); err != nil {
		return "", apperrors.NewPersistenceError("保存场景图像失败", err)
	}

	return path.Join(dir, filename), nil
}

// LoadImage 按相对路径读取图像
// 路径可能来自客户端，解析后必须仍落在数据目录内
func (s *NovelStore) LoadImage(relPath string) ([]byte, error) {
	cleaned := path.Clean(relPath)
	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return nil, apperrors.NewValidationError("非法的图像路径: " + relPath)
	}

	data, err := s.Files.LoadFile(path.Dir(cleaned), path.Base(cleaned))
	if err != nil {
		return nil, apperrors.NewPersistenceError("读取图像失败", err)
	}
	return data, nil
}

// === 导出/导入 ===

// ExportNovel 将一部小说的全部子文档与引用图像打包为单个zip
func (s *NovelStore) ExportNovel(novelID string) ([]byte, error) {
	novel, err := s.LoadNovel(novelID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	writeEntry := func(name string, content []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	}

	metaJSON, err := json.MarshalIndent(novel.Metadata(), "", "  ")
	if err != nil {
		return nil, apperrors.NewPersistenceError("序列化元数据失败", err)
	}
	charsJSON, err := json.MarshalIndent(novel.Characters, "", "  ")
	if err != nil {
		return nil, apperrors.NewPersistenceError("序列化角色失败", err)
	}
	scenesJSON, err := json.MarshalIndent(novel.Scenes, "", "  ")
	if err != nil {
		return nil, apperrors.NewPersistenceError("序列化场景失败", err)
	}

	if err := writeEntry(models.ExportNovelEntry, metaJSON); err != nil {
		return nil, apperrors.NewPersistenceError("写入导出条目失败", err)
	}
	if err := writeEntry(models.ExportScriptEntry, []byte(novel.Script)); err != nil {
		return nil, apperrors.NewPersistenceError("写入导出条目失败", err)
	}
	if err := writeEntry(models.ExportCharactersEntry, charsJSON); err != nil {
		return nil, apperrors.NewPersistenceError("写入导出条目失败", err)
	}
	if err := writeEntry(models.ExportScenesEntry, scenesJSON); err != nil {
		return nil, apperrors.NewPersistenceError("写入导出条目失败", err)
	}

	// 图像按实体ID确定性寻址
	for _, character := range novel.Characters {
		if !character.HasReferenceImage() {
			continue
		}
		data, err := s.LoadImage(character.ReferenceImagePath)
		if err != nil {
			log.Printf("警告: 导出时跳过缺失的角色图像 %s: %v", character.ReferenceImagePath, err)
			continue
		}
		entry := path.Join(models.ExportImagesDir, "characters", character.ID+".png")
		if err := writeEntry(entry, data); err != nil {
			return nil, apperrors.NewPersistenceError("写入图像条目失败", err)
		}
	}
	for _, scene := range novel.Scenes {
		if scene.ImagePath == "" {
			continue
		}
		data, err := s.LoadImage(scene.ImagePath)
		if err != nil {
			log.Printf("警告: 导出时跳过缺失的场景图像 %s: %v", scene.ImagePath, err)
			continue
		}
		entry := path.Join(models.ExportImagesDir, "scenes", scene.ID+".png")
		if err := writeEntry(entry, data); err != nil {
			return nil, apperrors.NewPersistenceError("写入图像条目失败", err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, apperrors.NewPersistenceError("关闭导出压缩包失败", err)
	}

	return buf.Bytes(), nil
}

// ImportNovel 从导出压缩包恢复一部小说
// ID与现有小说冲突时重新映射全部ID并一致地改写内部引用
func (s *NovelStore) ImportNovel(archive []byte) (*models.Novel, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, apperrors.NewValidationError("无效的导出压缩包")
	}

	entries := make(map[string][]byte)
	images := make(map[string][]byte)
	for _, f := range zr.File {
		name := path.Clean(f.Name)
		if strings.HasPrefix(name, "..") {
			return nil, apperrors.NewValidationError("压缩包包含非法路径: " + f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, apperrors.NewValidationError("压缩包条目损坏: " + f.Name)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, apperrors.NewValidationError("压缩包条目读取失败: " + f.Name)
		}

		if strings.HasPrefix(name, models.ExportImagesDir+"/") {
			images[name] = content
		} else {
			entries[name] = content
		}
	}

	metaJSON, exists := entries[models.ExportNovelEntry]
	if !exists {
		return nil, apperrors.NewValidationError("压缩包缺少 " + models.ExportNovelEntry)
	}

	var meta models.NovelMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, apperrors.NewValidationError("元数据解析失败")
	}
	if meta.ID == "" || meta.Title == "" {
		return nil, apperrors.NewValidationError("元数据缺少必要字段")
	}

	novel := &models.Novel{
		ID:          meta.ID,
		Title:       meta.Title,
		Description: meta.Description,
		Script:      string(entries[models.ExportScriptEntry]),
		CreatedAt:   meta.CreatedAt,
		Characters:  make(map[string]*models.Character),
		Scenes:      make(map[string]*models.Scene),
	}
	if novel.CreatedAt.IsZero() {
		novel.CreatedAt = time.Now()
	}

	if charsJSON, exists := entries[models.ExportCharactersEntry]; exists {
		if err := json.Unmarshal(charsJSON, &novel.Characters); err != nil {
			return nil, apperrors.NewValidationError("角色子文档解析失败")
		}
	}
	if scenesJSON, exists := entries[models.ExportScenesEntry]; exists {
		if err := json.Unmarshal(scenesJSON, &novel.Scenes); err != nil {
			return nil, apperrors.NewValidationError("场景子文档解析失败")
		}
	}

	// ID冲突时重新映射并改写内部引用
	if s.NovelExists(novel.ID) {
		remapNovelIDs(novel)
	}

	for _, character := range novel.Characters {
		character.NovelID = novel.ID
	}
	for _, scene := range novel.Scenes {
		scene.NovelID = novel.ID

		// 归档可能来自不一致的外部来源，选角只保留角色表中存在的ID
		casting := make([]string, 0, len(scene.Casting))
		for _, characterID := range scene.Casting {
			if _, exists := novel.Characters[characterID]; exists {
				casting = append(casting, characterID)
			} else {
				log.Printf("警告: 导入时剔除场景 %q 中未知的选角引用 %s", scene.Title, characterID)
			}
		}
		scene.Casting = casting
	}

	// 先落图像，再写子文档（图像路径依赖新ID）
	for _, character := range novel.Characters {
		if character.ReferenceImagePath == "" {
			continue
		}
		// 压缩包中的图像按导出前的旧ID命名
		data := findImageEntry(images, "characters", character.ID, character.ReferenceImagePath)
		if data == nil {
			character.ReferenceImagePath = ""
			continue
		}
		relPath, err := s.SaveCharacterImage(novel.ID, character.ID, data)
		if err != nil {
			return nil, err
		}
		character.ReferenceImagePath = relPath
	}
	for _, scene := range novel.Scenes {
		if scene.ImagePath == "" {
			continue
		}
		data := findImageEntry(images, "scenes", scene.ID, scene.ImagePath)
		if data == nil {
			scene.ImagePath = ""
			continue
		}
		relPath, err := s.SaveSceneImage(novel.ID, scene.ID, data)
		if err != nil {
			return nil, err
		}
		scene.ImagePath = relPath
	}

	if err := s.SaveNovel(novel); err != nil {
		return nil, err
	}

	return novel, nil
}

// remapNovelIDs 为聚合分配全新ID并一致地改写角色、场景与选角引用
func remapNovelIDs(novel *models.Novel) {
	novel.ID = uuid.NewString()

	characterIDMap := make(map[string]string, len(novel.Characters))
	remappedCharacters := make(map[string]*models.Character, len(novel.Characters))
	for oldID, character := range novel.Characters {
		newID := uuid.NewString()
		characterIDMap[oldID] = newID
		character.ID = newID
		remappedCharacters[newID] = character
	}
	novel.Characters = remappedCharacters

	remappedScenes := make(map[string]*models.Scene, len(novel.Scenes))
	for _, scene := range novel.Scenes {
		scene.ID = uuid.NewString()

		casting := make([]string, 0, len(scene.Casting))
		for _, oldCharID := range scene.Casting {
			if newCharID, exists := characterIDMap[oldCharID]; exists {
				casting = append(casting, newCharID)
			}
		}
		scene.Casting = casting

		remappedScenes[scene.ID] = scene
	}
	novel.Scenes = remappedScenes
}

// findImageEntry 在压缩包图像条目中查找实体对应的图像
// ID重映射后旧条目名无法直接推出，按原始路径的文件名回退匹配
func findImageEntry(images map[string][]byte, kind, entityID, originalPath string) []byte {
	if data, exists := images[path.Join(models.ExportImagesDir, kind, entityID+".png")]; exists {
		return data
	}

	base := path.Base(originalPath)
	for name, data := range images {
		if strings.Contains(name, kind+"/") && path.Base(name) == base {
			return data
		}
	}

	return nil
}

// === 备份/恢复 ===

// BackupAll 打包整个数据目录
func (s *NovelStore) BackupAll() ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := s.Files.WalkFiles(func(relPath string, content []byte) error {
		w, err := zw.Create(relPath)
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	})
	if err != nil {
		return nil, apperrors.NewPersistenceError("备份打包失败", err)
	}

	if err := zw.Close(); err != nil {
		return nil, apperrors.NewPersistenceError("关闭备份压缩包失败", err)
	}

	return buf.Bytes(), nil
}

// Restore 从备份恢复数据目录，逐条写入以保持缓存一致
func (s *NovelStore) Restore(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return apperrors.NewValidationError("无效的备份压缩包")
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}

		name := path.Clean(f.Name)
		if strings.HasPrefix(name, "..") || path.IsAbs(name) {
			return apperrors.NewValidationError("备份包含非法路径: " + f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return apperrors.NewPersistenceError("备份条目打开失败", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return apperrors.NewPersistenceError("备份条目读取失败", err)
		}

		dir, filename := path.Split(name)
		dir = filepath.FromSlash(strings.TrimSuffix(dir, "/"))
		if err := s.Files.SaveFile(dir, filename, content); err != nil {
			return apperrors.NewPersistenceError("备份条目写入失败", err)
		}
	}

	return nil
}
