// internal/models/export.go
package models

// 导出压缩包内的固定条目名
// 一个压缩包对应一部小说：元数据、子文档、剧本原文与其引用的全部图像
const (
	ExportNovelEntry      = "novel.json"      // NovelMetadata
	ExportCharactersEntry = "characters.json" // map[id]*Character
	ExportScenesEntry     = "scenes.json"     // map[id]*Scene
	ExportScriptEntry     = "script.txt"
	ExportImagesDir       = "images"
)
