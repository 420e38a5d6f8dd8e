// internal/models/novel.go
package models

import (
	"time"
)

// Novel 小说聚合根
// 角色与场景作为子文档归属于小说，图片以路径引用的方式挂在子文档上
type Novel struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Script      string    `json:"script"`
	CreatedAt   time.Time `json:"created_at"`

	// Characters 角色表，键为角色ID
	Characters map[string]*Character `json:"characters"`
	// Scenes 场景表，键为场景ID，选角只引用角色表中存在的ID
	Scenes map[string]*Scene `json:"scenes"`
}

// NovelMetadata 小说索引项，列表接口只返回元数据不携带剧本全文
type NovelMetadata struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	CharacterCount int       `json:"character_count"`
	SceneCount     int       `json:"scene_count"`
}

// CharacterCount 角色数量
func (n *Novel) CharacterCount() int {
	return len(n.Characters)
}

// SceneCount 场景数量
func (n *Novel) SceneCount() int {
	return len(n.Scenes)
}

// Metadata 生成索引项
func (n *Novel) Metadata() *NovelMetadata {
	return &NovelMetadata{
		ID:             n.ID,
		Title:          n.Title,
		Description:    n.Description,
		CreatedAt:      n.CreatedAt,
		CharacterCount: n.CharacterCount(),
		SceneCount:     n.SceneCount(),
	}
}

// FindCharacterByName 按名字查找角色，不区分大小写并忽略首尾空白
// 选角解析依赖该规则：文本分析返回的名字与提取阶段的名字大小写可能不一致
func (n *Novel) FindCharacterByName(name string) (*Character, bool) {
	for _, character := range n.Characters {
		if equalFoldTrim(character.Name, name) {
			return character, true
		}
	}
	return nil, false
}
