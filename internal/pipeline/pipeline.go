package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"assigndoc/internal/assignment"
	"assigndoc/internal/diag"
	"assigndoc/internal/docops"
	"assigndoc/internal/prompt"
	"assigndoc/internal/rate"
	"assigndoc/pkg/contract"
)

// - 单点并发：仅此层管理并发与背压；原子组件均为同步、无内部并发。
// - 顺序门闩：请求按读取顺序编号；生成结果乱序到达时暂存，按序号连续提交（建文档、落盘、通知）。
// - 首错取消：任一阶段出现错误，记录首错并 cancel 整体；排空后返回该错误。
// - 预算：进入 LLM 前按 PromptBuilder 固定开销预扣；单个 Prompt 超出有效预算直接失败。

// Components 聚合运行所需的原子组件。Notifier 可为空。
type Components struct {
	Reader        contract.Reader
	PromptBuilder contract.PromptBuilder
	LLM           contract.LLMClient
	Tokenizer     contract.Tokenizer
	Compiler      *docops.Compiler
	Renderer      assignment.Renderer
	Sink          contract.OperationSink
	Writer        contract.Writer
	Notifier      contract.Notifier
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs      []string
	Concurrency int
	// 预算：最大 token、估算参数（bytesPerToken）；若 <=0 则关闭预算
	MaxTokens     int
	BytesPerToken int
	// MaxRetries: 生成/校验阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries int
	// RetryBackoff: 重试前的等待；<=0 时使用 200ms。
	RetryBackoff time.Duration
	// RefineRounds: 精修轮数；仅当 PromptBuilder 实现 contract.Refiner 时生效。
	RefineRounds int
	// 限流闸门（可选）：若非空，则在每次调用 LLM 前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// Share: 应用操作后将文档共享给请求中的学生（Sink 需实现 contract.Sharer）。
	Share bool
	// NotifySubject: 通知邮件主题模板，%s 替换为作业标题；为空使用默认。
	NotifySubject string
	// NotifyRequired: 通知失败是否视为致命错误。
	NotifyRequired bool
}

// DefaultNotifySubject 默认通知主题。
const DefaultNotifySubject = "New assignment: %s"

// Run 执行完整流水线：
// Reader → DecodeRequests → PromptBuilder → (Gate) → LLM → Validate [→ Refine] → Render → Tokenizer → Compiler → Check
// → (按序) Sink.Create/Apply → Share → Writer → Notifier。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	if err := sanity(comp, &set); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	if logger == nil {
		logger = diag.Nop()
	}

	effMax := set.MaxTokens
	if set.MaxTokens > 0 {
		var overhead int
		effMax, overhead = prompt.EffectiveMaxTokens(comp.PromptBuilder, set.BytesPerToken, set.MaxTokens)
		if effMax <= 0 {
			return fmt.Errorf("%w: effective token budget <= 0 after overhead %d", contract.ErrBudgetExceeded, overhead)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g := &generator{comp: comp, set: set, log: logger, effMax: effMax}

	type job struct {
		seq int
		req contract.Request
		art contract.FileID
	}
	// 有界通道：默认 2×并发度，形成自然背压
	inCh := make(chan job, set.Concurrency*2)
	outCh := make(chan *draft, set.Concurrency*2)

	var wg sync.WaitGroup
	wg.Add(set.Concurrency)
	for i := 0; i < set.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := range inCh {
				d := g.generate(ctx, j.req)
				d.seq, d.art = j.seq, j.art
				outCh <- d
			}
		}()
	}

	// 生产者：Reader 遍历文件并解码请求；读错误与取消一并经 readErr 返回
	readErr := make(chan error, 1)
	go func() {
		defer close(inCh)
		seq := 0
		rtimer := logger.Start("reader", "iterate")
		err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
			defer rc.Close()
			reqs, err := DecodeRequests(fid, rc)
			if err != nil {
				fail(logger, "reader", "decode failed", err, nil, string(fid), "")
				return fmt.Errorf("decode requests: %w", err)
			}
			for i, r := range reqs {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case inCh <- job{seq: seq, req: r, art: artifactBase(fid, i, len(reqs))}:
					seq++
				}
			}
			return nil
		})
		if err != nil {
			fail(logger, "reader", "iterate failed", err, rtimer.Since(), "", "")
			cancel()
		} else {
			rtimer.Finish("iterate", int64(seq))
			diag.IncOp("reader", "finish", "success")
		}
		readErr <- err
	}()

	// 由 workers 生命周期决定 outCh 关闭，避免基于固定计数阻塞
	go func() {
		wg.Wait()
		close(outCh)
	}()

	// 提交门闩：按 seq 连续冲刷
	expect := 0
	buf := make(map[int]*draft)
	var firstErr error
	doneCount, errCount := 0, 0
	for d := range outCh {
		doneCount++
		if d.err != nil {
			errCount++
		}
		if t := diag.GetTerminal(); t != nil {
			t.FileProgress(doneCount, max(doneCount, expect+len(buf)+1), errCount)
		}
		if d.err != nil {
			if firstErr == nil {
				firstErr = d.err
				cancel()
			}
			continue
		}
		if firstErr != nil {
			// 已取消：仅排空
			continue
		}
		buf[d.seq] = d
		for {
			next, ok := buf[expect]
			if !ok {
				break
			}
			delete(buf, expect)
			expect++
			if err := g.publish(ctx, next); err != nil {
				firstErr = err
				cancel()
				break
			}
		}
	}
	// 读取错误优先：其触发的取消会让在途请求以 canceled 结束
	if rerr := <-readErr; rerr != nil && !errors.Is(rerr, context.Canceled) {
		return fmt.Errorf("reader iterate: %w", rerr)
	}
	if firstErr != nil {
		return fmt.Errorf("worker first error: %w", firstErr)
	}
	return ctx.Err()
}

func sanity(c Components, s *Settings) error {
	if c.Reader == nil || c.PromptBuilder == nil || c.LLM == nil || c.Tokenizer == nil || c.Sink == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if len(s.Inputs) == 0 {
		return errors.New("pipeline: empty inputs")
	}
	return nil
}

// fail 记录错误事件与指标。上游 HTTP 错误附带状态码与消息片段。
func fail(logger *diag.Logger, comp, msg string, err error, since *time.Time, fileID, reqID string) {
	code := diag.Classify(err)
	var kv map[string]string
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv = map[string]string{"http_status": fmt.Sprintf("%d", ue.UpstreamStatus())}
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	logger.ErrorWithKV(comp, string(code), msg, since, fileID, reqID, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// shouldRetryInvoke: 根据错误类型判断是否重试 LLM 调用。
// - 取消/超时：不重试；
// - 预算/限流：重试（交由 Gate 控制速率）；
// - 网络类错误：重试；
// - 其他未知错误：不重试。
func shouldRetryInvoke(err error) bool {
	if err == nil {
		return false
	}
	switch diag.Classify(err) {
	case diag.CodeBudget, diag.CodeNetwork:
		return true
	default:
		return false
	}
}

// shouldRetryValidate: 生成结果无效（缺字段、任务不足、JSON 损坏）做有限次重试。
func shouldRetryValidate(err error) bool {
	return err != nil && diag.Classify(err) == diag.CodeProtocol
}

// sleepWithCtx: 可取消的 sleep（最小实现）。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
