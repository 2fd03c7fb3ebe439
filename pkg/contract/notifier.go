package contract

import "context"

// Notice: 一条文档就绪通知。
type Notice struct {
	To       []string
	Subject  string
	HTML     string
	Document Document
}

// Notifier: 通知发送端（邮件等）。失败直接上抛，由编排层决定是否致命。
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}
