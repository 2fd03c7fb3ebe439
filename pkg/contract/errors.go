package contract

import "errors"

// Writer/路径相关最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如 token 预算、上游配额）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// 生成结果校验的错误分类。
// 具体错误携带字段/数量等细节，并同时满足 errors.Is(err, ErrResponseInvalid)。
var (
	// ErrMalformedEnvelope: 去除代码围栏后内容为空或围栏不完整。
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrMalformedJSON: 清洗后的文本不是 JSON 对象。
	ErrMalformedJSON = errors.New("malformed json")
	// ErrMissingField: 必填字段缺失或为假值。
	ErrMissingField = errors.New("missing field")
	// ErrTaskCountDeficit: 任务数少于声明值（致命）。
	ErrTaskCountDeficit = errors.New("task count deficit")
	// ErrTaskCountSurplus: 任务数多于声明值；仅作为告警代码，不会作为错误返回。
	ErrTaskCountSurplus = errors.New("task count surplus")
)
