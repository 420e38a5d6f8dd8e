// internal/llm/providers/gemini/parse.go
package gemini

import (
	"regexp"
	"strings"
)

// 模型经常把JSON包在 ```json 代码块里，或混在说明文字之间
var (
	fencedArrayRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")
	fencedObjectRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// extractJSONArray 从模型响应中提取JSON数组文本
func extractJSONArray(response string) (string, bool) {
	if m := fencedArrayRe.FindStringSubmatch(response); m != nil {
		return m[1], true
	}

	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start >= 0 && end > start {
		return response[start : end+1], true
	}

	// 没有数组时收集裸对象拼成数组
	objects := collectObjects(response)
	if len(objects) == 0 {
		return "", false
	}
	return "[" + strings.Join(objects, ",") + "]", true
}

// extractJSONObject 从模型响应中提取单个JSON对象文本
func extractJSONObject(response string) (string, bool) {
	if m := fencedObjectRe.FindStringSubmatch(response); m != nil {
		return m[1], true
	}

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		return response[start : end+1], true
	}

	return "", false
}

// collectObjects 按括号配对提取顶层JSON对象
func collectObjects(response string) []string {
	var objects []string
	depth := 0
	start := -1

	for i, r := range response {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					objects = append(objects, response[start:i+1])
					start = -1
				}
			}
		}
	}

	return objects
}
