// internal/models/character.go
package models

import (
	"strings"
	"time"
)

// Character 表示从剧本中提取的一个角色
type Character struct {
	ID          string `json:"id"`
	NovelID     string `json:"novel_id"` // 所属小说ID（反向引用，不代表所有权）
	Name        string `json:"name"`
	Description string `json:"description"`
	// ReferenceImagePath 为空表示基准图尚未生成，这是合法的持久化状态
	ReferenceImagePath string    `json:"reference_image_path"`
	CreatedAt          time.Time `json:"created_at"`
}

// HasReferenceImage 基准图是否已生成
func (c *Character) HasReferenceImage() bool {
	return c.ReferenceImagePath != ""
}

// ExtractedCharacter 文本分析客户端返回的角色原始数据
type ExtractedCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func equalFoldTrim(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
