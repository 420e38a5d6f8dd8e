// internal/llm/interface.go
package llm

import (
	"context"
	"errors"

	"github.com/Corphon/NovelForgeMCP/internal/models"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// 能力服务名，用于 RemoteServiceError.Service
const (
	ServiceTextAnalysis    = "text_analysis"
	ServiceImageGeneration = "image_generation"
)

// TextAnalysisClient 文本分析能力契约
// 引擎把返回内容当作不透明数据：不校验角色是否真的出现在剧本里
type TextAnalysisClient interface {
	// ExtractCharacters 从剧本中提取角色，保持模型返回顺序
	ExtractCharacters(ctx context.Context, script string) ([]models.ExtractedCharacter, error)

	// SplitIntoScenes 将剧本切分为有序场景
	SplitIntoScenes(ctx context.Context, script string) ([]models.ExtractedScene, error)

	// GeneratePrompt 根据场景与出场角色生成图像提示词
	GeneratePrompt(ctx context.Context, scene *models.Scene, characters []*models.Character) (string, error)
}

// ImageGenerationClient 图像生成能力契约
type ImageGenerationClient interface {
	// GenerateCharacterImage 根据角色描述生成基准图
	GenerateCharacterImage(ctx context.Context, description string) ([]byte, error)

	// GenerateSceneImage 根据提示词与出场角色基准图生成场景图
	GenerateSceneImage(ctx context.Context, prompt string, referenceImages [][]byte) ([]byte, error)
}

// Provider 同时提供两种能力的AI提供者
type Provider interface {
	TextAnalysisClient
	ImageGenerationClient

	// GetName 获取提供者名称
	GetName() string
}

// ProviderConfig 提供者初始化配置
type ProviderConfig struct {
	APIKey     string
	TextModel  string
	ImageModel string
	RateQPS    float64
}

// ProviderFactory 提供者工厂函数
type ProviderFactory func(cfg ProviderConfig) (Provider, error)

// Registry 提供者注册表
type Registry struct {
	providers map[string]ProviderFactory
}

// 全局注册表
var DefaultRegistry = &Registry{
	providers: make(map[string]ProviderFactory),
}

// Register 注册一个新的提供者
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.providers[name] = factory
}

// GetProvider 获取指定名称的提供者实例
func (r *Registry) GetProvider(name string, cfg ProviderConfig) (Provider, error) {
	factory, exists := r.providers[name]
	if !exists {
		return nil, ErrUnknownProvider
	}

	return factory(cfg)
}

// Register 在全局注册表注册提供者
func Register(name string, factory ProviderFactory) {
	DefaultRegistry.Register(name, factory)
}
