// internal/llm/providers/gemini/gemini.go
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	apperrors "github.com/Corphon/NovelForgeMCP/internal/errors"
	"github.com/Corphon/NovelForgeMCP/internal/llm"
	"github.com/Corphon/NovelForgeMCP/internal/models"
)

func init() {
	llm.Register("gemini", func(cfg llm.ProviderConfig) (llm.Provider, error) {
		return New(cfg)
	})
}

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta/models"
	defaultTextModel  = "gemini-2.5-flash-preview-05-20"
	defaultImageModel = "gemini-2.5-flash-image-preview"
	requestTimeout    = 90 * time.Second
	maxRetries        = 3
)

// Provider 基于 Gemini REST API 同时实现文本分析与图像生成两种能力
type Provider struct {
	apiKey     string
	baseURL    string
	textModel  string
	imageModel string
	client     *http.Client
	// 生成类调用之间限速，避免触发配额限制
	limiter *rate.Limiter
}

// New 创建 Gemini 提供者
func New(cfg llm.ProviderConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API密钥未提供")
	}

	textModel := cfg.TextModel
	if textModel == "" {
		textModel = defaultTextModel
	}
	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = defaultImageModel
	}
	qps := cfg.RateQPS
	if qps <= 0 {
		qps = 1.0
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    defaultBaseURL,
		textModel:  textModel,
		imageModel: imageModel,
		client:     &http.Client{Timeout: requestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(qps), 1),
	}, nil
}

func (p *Provider) GetName() string {
	return "gemini"
}

// ExtractCharacters 从剧本中提取角色及其外貌描述
func (p *Provider) ExtractCharacters(ctx context.Context, script string) ([]models.ExtractedCharacter, error) {
	prompt := fmt.Sprintf(`以下是一部小说的完整剧本。请通读剧本并提取全部主要登场人物。

[剧本开始]
%s
[剧本结束]

对每个人物完成以下工作：
1. 识别人物姓名。
2. 综合剧本中对其外貌、年龄、性格、服装的全部描写，写出详细的"外貌与特征描述"。
3. 该描述之后会交给AI图像模型绘制人物形象，必须具体、可视化。

结果必须以JSON数组返回，每个人物对象包含 "name" 和 "description" 两个键。
只返回有效的JSON，不要附加其他说明。`, optimizeScript(script))

	text, err := p.completeText(ctx, prompt)
	if err != nil {
		return nil, err
	}

	raw, ok := extractJSONArray(text)
	if !ok {
		return nil, apperrors.NewRemoteServiceError(llm.ServiceTextAnalysis,
			"响应中未找到有效的角色JSON数组", false, nil)
	}

	var characters []models.ExtractedCharacter
	if err := json.Unmarshal([]byte(raw), &characters); err != nil {
		return nil, apperrors.NewRemoteServiceError(llm.ServiceTextAnalysis,
			"角色JSON解析失败", false, err)
	}

	return characters, nil
}

// SplitIntoScenes 将剧本切分为有序场景
func (p *Provider) SplitIntoScenes(ctx context.Context, script string) ([]models.ExtractedScene, error) {
	prompt := fmt.Sprintf(`请将以下剧本按场景切分，并以JSON数组返回。

剧本:
%s

每个场景使用如下格式:
[{"title":"场景标题", "narration":"旁白/地文", "dialogue":"台词", "casting":["人物1","人物2"], "storyboard":"构图说明", "mise_en_scene":"氛围"}]

空字段填""。只返回JSON。`, optimizeScript(script))

	text, err := p.completeText(ctx, prompt)
	if err != nil {
		return nil, err
	}

	raw, ok := extractJSONArray(text)
	if !ok {
		return nil, apperrors.NewRemoteServiceError(llm.ServiceTextAnalysis,
			"响应中未找到有效的场景JSON数组", false, nil)
	}

	var scenes []models.ExtractedScene
	if err := json.Unmarshal([]byte(raw), &scenes); err != nil {
		return nil, apperrors.NewRemoteServiceError(llm.ServiceTextAnalysis,
			"场景JSON解析失败", false, err)
	}

	return scenes, nil
}

// GeneratePrompt 根据场景内容与出场角色生成图像提示词
// 模型返回结构化JSON后拼装为单条提示词文本；解析失败时退回默认模板
func (p *Provider) GeneratePrompt(ctx context.Context, scene *models.Scene, characters []*models.Character) (string, error) {
	var characterInfo strings.Builder
	for _, c := range characters {
		fmt.Fprintf(&characterInfo, "- %s: %s\n", c.Name, c.Description)
	}

	prompt := fmt.Sprintf(`### 指示
你是根据给定场景与人物信息编写图像生成提示词的AI。
每一项都只保留最核心的关键词和短语，简洁描述。
结果必须只以下方JSON格式返回。

### 场景信息
- 标题: %s
- 情境/地文: %s
- 构图/美术: %s, %s
- 台词: %s

### 登场人物信息
%s

### 输出格式 (JSON)
{
  "characters": "人物外貌、表情、动作的核心描写",
  "background": "背景与关键道具",
  "angle_and_composition": "镜头角度与构图",
  "lighting_and_color": "光线与色调",
  "mood_and_atmosphere": "场景氛围",
  "style": "超写实, 电影感, 胶片颗粒, 4k, 写实描绘, 16:9"
}`,
		scene.Title, orNone(scene.Narration), scene.Storyboard, scene.MiseEnScene,
		orNone(scene.Dialogue), orNone(characterInfo.String()))

	text, err := p.completeText(ctx, prompt)
	if err != nil {
		return "", err
	}

	if raw, ok := extractJSONObject(text); ok {
		var structured map[string]string
		if json.Unmarshal([]byte(raw), &structured) == nil && len(structured) > 0 {
			return flattenPrompt(structured), nil
		}
	}

	// 模型没有返回可解析的结构化提示词时使用默认模板
	return defaultScenePrompt(scene, characters), nil
}

// completeText 调用文本模型并返回首个候选文本
func (p *Provider) completeText(ctx context.Context, prompt string) (string, error) {
	payload := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"parts": []map[string]string{{"text": prompt}}},
		},
	}

	body, err := p.doRequest(ctx, llm.ServiceTextAnalysis, p.textModel, payload)
	if err != nil {
		return "", err
	}

	var result generateContentResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", apperrors.NewRemoteServiceError(llm.ServiceTextAnalysis,
			"响应解析失败", false, err)
	}

	text := result.firstText()
	if text == "" {
		return "", apperrors.NewRemoteServiceError(llm.ServiceTextAnalysis,
			"响应中没有文本内容（可能触发了安全过滤）", false, nil)
	}

	return text, nil
}

// doRequest 发送 generateContent 请求，带限速与有界指数退避重试
// 429与5xx以及超时视为可重试，4xx为永久失败
func (p *Provider) doRequest(ctx context.Context, service, model string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewRemoteServiceError(service, "序列化请求失败", false, err)
	}

	apiURL := fmt.Sprintf("%s/%s:generateContent", p.baseURL, model)

	var body []byte
	operation := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(apperrors.NewRemoteServiceError(service, "请求被取消", true, err))
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonData))
		if err != nil {
			return backoff.Permanent(apperrors.NewRemoteServiceError(service, "构建请求失败", false, err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		// API密钥通过请求头传输
		httpReq.Header.Set("x-goog-api-key", p.apiKey)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(apperrors.NewRemoteServiceError(service, "请求被取消", true, ctx.Err()))
			}
			// 网络错误与超时可重试
			return apperrors.NewRemoteServiceError(service, "请求失败", true, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.NewRemoteServiceError(service, "读取响应失败", true, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apperrors.NewRemoteServiceError(service,
				fmt.Sprintf("服务端错误(%d)", resp.StatusCode), true, nil)
		}

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(apperrors.NewRemoteServiceError(service,
				fmt.Sprintf("API错误(%d): %s", resp.StatusCode, truncate(string(respBody), 200)), false, nil))
		}

		body = respBody
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return nil, permanent.Err
		}
		return nil, err
	}

	return body, nil
}

// generateContentResponse Gemini generateContent 标准响应
type generateContentResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (r *generateContentResponse) firstText() string {
	for _, c := range r.Candidates {
		for _, part := range c.Content.Parts {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}

func (r *generateContentResponse) firstInlineData() string {
	for _, c := range r.Candidates {
		for _, part := range c.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				return part.InlineData.Data
			}
		}
	}
	return ""
}

func (r *generateContentResponse) finishReason() string {
	if len(r.Candidates) > 0 {
		return r.Candidates[0].FinishReason
	}
	return ""
}

// optimizeScript 压缩过长的剧本，避免请求超时
func optimizeScript(script string) string {
	const maxLen = 15000
	if len(script) <= maxLen {
		return script
	}

	var lines []string
	for _, line := range strings.Split(script, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	return cutAtRune(strings.Join(lines, "\n"), maxLen)
}

// cutAtRune 按字节上限截断，回退到最近的rune边界避免截出半个字符
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "无"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cutAtRune(s, n) + "..."
}

// flattenPrompt 将结构化提示词按固定键序拼装为单条文本
func flattenPrompt(structured map[string]string) string {
	keys := []string{
		"characters", "background", "angle_and_composition",
		"lighting_and_color", "mood_and_atmosphere", "style",
	}

	var parts []string
	for _, key := range keys {
		if v := strings.TrimSpace(structured[key]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// defaultScenePrompt 默认提示词模板
func defaultScenePrompt(scene *models.Scene, characters []*models.Character) string {
	var names []string
	for _, c := range characters {
		names = append(names, c.Name)
	}

	var parts []string
	if len(names) > 0 {
		parts = append(parts, "登场人物: "+strings.Join(names, ", "))
	}
	if scene.Narration != "" {
		parts = append(parts, scene.Narration)
	}
	if scene.MiseEnScene != "" {
		parts = append(parts, scene.MiseEnScene)
	}
	parts = append(parts, "超写实, 电影感, 4k, 写实描绘, 16:9")

	return strings.Join(parts, ", ")
}
