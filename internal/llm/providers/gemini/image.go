// internal/llm/providers/gemini/image.go
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"

	apperrors "github.com/Corphon/NovelForgeMCP/internal/errors"
	"github.com/Corphon/NovelForgeMCP/internal/llm"
)

// GenerateCharacterImage 根据角色描述生成基准图
func (p *Provider) GenerateCharacterImage(ctx context.Context, description string) ([]byte, error) {
	return p.generateImage(ctx, description, nil)
}

// GenerateSceneImage 根据场景提示词与出场角色基准图生成场景图
func (p *Provider) GenerateSceneImage(ctx context.Context, prompt string, referenceImages [][]byte) ([]byte, error) {
	return p.generateImage(ctx, prompt, referenceImages)
}

// generateImage 调用多模态模型生成图像，基准图以内联base64随请求发送
func (p *Provider) generateImage(ctx context.Context, prompt string, referenceImages [][]byte) ([]byte, error) {
	parts := []map[string]interface{}{
		{"text": prompt},
	}
	for _, img := range referenceImages {
		if len(img) == 0 {
			continue
		}
		parts = append(parts, map[string]interface{}{
			"inlineData": map[string]string{
				"mimeType": "image/png",
				"data":     base64.StdEncoding.EncodeToString(img),
			},
		})
	}

	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"parts": parts},
		},
		// 图像生成必须声明响应模态
		"generationConfig": map[string]interface{}{
			"responseModalities": []string{"IMAGE"},
			"temperature":        0.4,
			"topP":               1,
			"topK":               32,
		},
	}

	body, err := p.doRequest(ctx, llm.ServiceImageGeneration, p.imageModel, payload)
	if err != nil {
		return nil, err
	}

	var result generateContentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.NewRemoteServiceError(llm.ServiceImageGeneration,
			"响应解析失败", false, err)
	}

	data := result.firstInlineData()
	if data == "" {
		// 安全过滤或模型拒绝生成图像，重试无意义
		return nil, apperrors.NewRemoteServiceError(llm.ServiceImageGeneration,
			"响应中没有图像数据（完成原因: "+result.finishReason()+"）", false, nil)
	}

	imageBytes, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, apperrors.NewRemoteServiceError(llm.ServiceImageGeneration,
			"图像数据解码失败", false, err)
	}

	return imageBytes, nil
}
