package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于 Request 构造确定性的 Prompt。
// 约束：
//   - 纯计算，不做 I/O（背景文件在构造期加载）；
//   - 不隐式修改请求内容；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, req Request) (Prompt, error)
	// EstimateOverheadTokens: 估算与请求无关的固定提示词开销（system/背景/规则）。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// Refiner: 可选扩展。基于上一轮生成内容构造精修提示词。
type Refiner interface {
	Refine(ctx context.Context, req Request, previous string) (Prompt, error)
}

// TokenEstimator: 文本→token 的近似估算函数。
// 典型实现：ceil(len(utf8_bytes)/BytesPerToken)。
type TokenEstimator func(s string) int
