package assignment

import (
	"strings"
	"unicode"
)

const fence = "```"

// Clean 去除首尾空白与可选的代码围栏（```json ... ```）。
// 无围栏时原样返回（仅去空白）。开头围栏后的语言标记一并去除（允许与正文同行），
// 围栏之后若没有内容，返回空串。
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, fence) {
		return s
	}
	s = strings.TrimLeftFunc(s[len(fence):], func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	})
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, fence) {
		s = strings.TrimSpace(s[:len(s)-len(fence)])
	}
	return s
}

// LooksLikeJSON 判断内容是否为（可能带围栏的）结构化作业数据，而非叙述性 Markdown。
func LooksLikeJSON(content string) bool {
	s := strings.TrimSpace(content)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, fence+"json")
}
