// internal/llm/providers/gemini/parse_test.go
package gemini

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Corphon/NovelForgeMCP/internal/models"
)

func TestExtractJSONArray_FencedBlock(t *testing.T) {
	response := "以下是提取结果：\n```json\n[{\"name\": \"李明\", \"description\": \"剑客\"}]\n```\n希望对你有帮助。"

	text, ok := extractJSONArray(response)
	if !ok {
		t.Fatal("应能从代码块中提取JSON数组")
	}

	var characters []models.ExtractedCharacter
	if err := json.Unmarshal([]byte(text), &characters); err != nil {
		t.Fatalf("提取的文本应是合法JSON: %v", err)
	}
	if len(characters) != 1 || characters[0].Name != "李明" {
		t.Errorf("解析结果不正确: %+v", characters)
	}
}

func TestExtractJSONArray_BareArray(t *testing.T) {
	response := `模型说明文字 [{"name": "甲"}, {"name": "乙"}] 后续文字`

	text, ok := extractJSONArray(response)
	if !ok {
		t.Fatal("应能按括号定位裸数组")
	}
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		t.Errorf("提取的文本应是数组: %s", text)
	}
}

func TestExtractJSONArray_CollectsLooseObjects(t *testing.T) {
	response := `第一个角色 {"name": "甲"} 第二个角色 {"name": "乙"}`

	text, ok := extractJSONArray(response)
	if !ok {
		t.Fatal("应能把散落的对象收集成数组")
	}

	var items []map[string]string
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatalf("收集结果应是合法JSON数组: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("期望2个对象，得到 %d", len(items))
	}
}

func TestExtractJSONArray_NoJSON(t *testing.T) {
	if _, ok := extractJSONArray("纯文本响应，没有任何结构化内容"); ok {
		t.Fatal("没有JSON时应返回false")
	}
}

func TestExtractJSONObject(t *testing.T) {
	fenced := "```json\n{\"characters\": \"两个人\"}\n```"
	text, ok := extractJSONObject(fenced)
	if !ok {
		t.Fatal("应能从代码块中提取对象")
	}

	var m map[string]string
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		t.Fatalf("提取的文本应是合法JSON: %v", err)
	}

	bare := `前缀 {"style": "写实"} 后缀`
	if text, ok = extractJSONObject(bare); !ok || !strings.HasPrefix(text, "{") {
		t.Errorf("应能按括号定位裸对象: %s", text)
	}

	if _, ok = extractJSONObject("没有对象"); ok {
		t.Error("没有对象时应返回false")
	}
}

func TestOptimizeScript(t *testing.T) {
	short := "短剧本"
	if optimizeScript(short) != short {
		t.Error("短剧本不应被修改")
	}

	long := strings.Repeat("一行内容\n\n", 4000)
	optimized := optimizeScript(long)
	if len(optimized) > 15000 {
		t.Errorf("压缩后长度应不超过上限，得到 %d", len(optimized))
	}
	if strings.Contains(optimized, "\n\n") {
		t.Error("压缩应去掉空行")
	}
	if !utf8.ValidString(optimized) {
		t.Error("截断不应切出半个字符")
	}
}

func TestCutAtRune(t *testing.T) {
	// 全中文文本，任意字节上限都可能落在多字节字符中间
	s := strings.Repeat("汉", 100)

	for _, n := range []int{0, 1, 2, 3, 7, 150, 299, 300, 400} {
		cut := cutAtRune(s, n)
		if len(cut) > n && n < len(s) {
			t.Errorf("上限 %d: 截断结果超长 %d", n, len(cut))
		}
		if !utf8.ValidString(cut) {
			t.Errorf("上限 %d: 截断结果不是合法UTF-8", n)
		}
	}

	if cutAtRune("短文本", 100) != "短文本" {
		t.Error("未超限的文本不应被修改")
	}
}

func TestTruncate_KeepsRuneBoundary(t *testing.T) {
	long := strings.Repeat("错误详情汉字", 100)

	got := truncate(long, 200)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("超限文本应以省略号结尾: %q", got)
	}
	if !utf8.ValidString(got) {
		t.Error("截断结果应是合法UTF-8")
	}
}

func TestFlattenPrompt_FixedKeyOrder(t *testing.T) {
	structured := map[string]string{
		"style":      "水墨画风",
		"characters": "两位剑客",
		"background": "山门",
		"unknown":    "应被忽略",
	}

	flat := flattenPrompt(structured)

	expected := "两位剑客, 山门, 水墨画风"
	if flat != expected {
		t.Errorf("拼装结果不一致:\n期望 %s\n得到 %s", expected, flat)
	}
}

func TestDefaultScenePrompt(t *testing.T) {
	scene := &models.Scene{
		Title:       "对峙",
		Narration:   "两人在雨中对视",
		MiseEnScene: "阴雨天",
	}
	characters := []*models.Character{
		{Name: "甲"}, {Name: "乙"},
	}

	prompt := defaultScenePrompt(scene, characters)

	if !strings.Contains(prompt, "甲, 乙") {
		t.Errorf("默认提示词应包含出场角色: %s", prompt)
	}
	if !strings.Contains(prompt, "两人在雨中对视") {
		t.Errorf("默认提示词应包含旁白: %s", prompt)
	}
	if !strings.Contains(prompt, "16:9") {
		t.Errorf("默认提示词应带固定风格后缀: %s", prompt)
	}
}
