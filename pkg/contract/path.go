package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 规范化路径，统一为跨平台稳定的 FileID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, "\\", "/")))
}

// ArtifactFor 由请求 FileID 派生结果工件标识：替换扩展名为 ext（ext 需带点）。
// 例如 req/week1.yaml + ".md" -> req/week1.md；stdin "-" 派生为 "stdin"+ext。
func ArtifactFor(id FileID, ext string) ArtifactID {
	s := string(id)
	if s == "-" || s == "" || s == "." {
		return ArtifactID("stdin" + ext)
	}
	base := path.Base(s)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		s = s[:len(s)-len(base)+i]
	}
	return ArtifactID(s + ext)
}
