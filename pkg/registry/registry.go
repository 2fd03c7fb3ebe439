package registry

import (
	"bytes"
	"encoding/json"

	"assigndoc/pkg/contract"
	"assigndoc/plugins/llmclient/flaky"
	gmi "assigndoc/plugins/llmclient/gemini"
	"assigndoc/plugins/llmclient/mock"
	oai "assigndoc/plugins/llmclient/openai"
	"assigndoc/plugins/notifier/gmail"
	passign "assigndoc/plugins/prompt/assignment"
	rfs "assigndoc/plugins/reader/filesystem"
	sfs "assigndoc/plugins/sink/filesystem"
	"assigndoc/plugins/sink/gdocs"
	tmd "assigndoc/plugins/tokenizer/markdown"
	wfs "assigndoc/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// strictRaw: 对直接接收原样 JSON 的插件先做一次严格校验。
func strictRaw[T any](raw json.RawMessage) error {
	var v T
	return strictUnmarshal(raw, &v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewTokenizer 工厂签名：接收原样 JSON Options。
type NewTokenizer func(raw json.RawMessage) (contract.Tokenizer, error)

// NewSink 工厂签名：接收原样 JSON Options。
type NewSink func(raw json.RawMessage) (contract.OperationSink, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// NewNotifier 工厂签名：接收原样 JSON Options。
type NewNotifier func(raw json.RawMessage) (contract.Notifier, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN 请求文件
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// assignment: 教师口吻的作业生成 Prompt（system+user），支持精修
	"assignment": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts passign.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return passign.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Tokenizer 工厂注册表。
var Tokenizer = map[string]NewTokenizer{
	// markdown: blackfriday 块级分词
	"markdown": func(raw json.RawMessage) (contract.Tokenizer, error) {
		var opts tmd.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return tmd.New(&opts), nil
	},
}

// Sink 工厂注册表。
var Sink = map[string]NewSink{
	// gdocs: Google Docs batchUpdate + Drive 共享
	"gdocs": func(raw json.RawMessage) (contract.OperationSink, error) {
		if err := strictRaw[gdocs.Options](raw); err != nil {
			return nil, err
		}
		return gdocs.New(raw)
	},
	// fs: 本地重放为 HTML 文档（离线/演示）
	"fs": func(raw json.RawMessage) (contract.OperationSink, error) {
		if err := strictRaw[sfs.Options](raw); err != nil {
			return nil, err
		}
		return sfs.New(raw)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Notifier 工厂注册表。
var Notifier = map[string]NewNotifier{
	// gmail: users.messages.send，HTML + 纯文本备选
	"gmail": func(raw json.RawMessage) (contract.Notifier, error) {
		if err := strictRaw[gmail.Options](raw); err != nil {
			return nil, err
		}
		return gmail.New(raw)
	},
}
