package contract

import "context"

// Document: 远端富文本文档的最小引用。
type Document struct {
	ID    string
	Title string
	Link  string
}

// Outcome: 一次批量应用的结果。
type Outcome struct {
	Document Document
	Applied  int
}

// OperationSink: 远端文档的编辑入口。
// 约束：
//  1. Apply 以单次调用提交整批操作，顺序不变（期望全有或全无）；
//  2. 不回读校验每个操作的生效情况；
//  3. ctx 取消/超时需尽快返回。
type OperationSink interface {
	Create(ctx context.Context, title string) (Document, error)
	Apply(ctx context.Context, doc Document, ops []Operation) (Outcome, error)
}

// Sharer: 可选扩展。为文档追加只读协作者。
type Sharer interface {
	Share(ctx context.Context, doc Document, emails []string) error
}
