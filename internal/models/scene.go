// internal/models/scene.go
package models

import "time"

// Scene 表示剧本中的一个场景
type Scene struct {
	ID         string `json:"id"`
	NovelID    string `json:"novel_id"`
	Title      string `json:"title"`
	Storyboard string `json:"storyboard"` // 构图说明
	Narration  string `json:"narration"`  // 旁白/地文
	Dialogue   string `json:"dialogue"`
	// Casting 场景中出场角色的ID列表，顺序参与提示词拼装，不可打乱
	Casting     []string `json:"casting"`
	MiseEnScene string   `json:"mise_en_scene"` // 氛围/美术设定
	// ImagePrompt / ImagePath 为空表示尚未生成
	ImagePrompt string    `json:"image_prompt"`
	ImagePath   string    `json:"image_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// Enriched 场景的提示词与配图是否均已生成
func (s *Scene) Enriched() bool {
	return s.ImagePrompt != "" && s.ImagePath != ""
}

// ExtractedScene 文本分析客户端分镜后返回的场景原始数据
// CastingNames 是角色名而非角色ID，需要在工作流中解析
type ExtractedScene struct {
	Title        string   `json:"title"`
	Storyboard   string   `json:"storyboard"`
	Narration    string   `json:"narration"`
	Dialogue     string   `json:"dialogue"`
	CastingNames []string `json:"casting"`
	MiseEnScene  string   `json:"mise_en_scene"`
}
