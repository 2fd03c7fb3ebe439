package pipeline

import (
	"context"
	"fmt"
	"time"

	"assigndoc/internal/assignment"
	"assigndoc/internal/diag"
	"assigndoc/internal/docops"
	"assigndoc/internal/prompt"
	"assigndoc/internal/rate"
	"assigndoc/pkg/contract"
)

// draft: 单个请求的生成结果（尚未提交到远端文档）。
type draft struct {
	seq   int
	art   contract.FileID
	req   contract.Request
	start time.Time

	record   contract.AssignmentRecord
	markdown string
	compiled docops.Result
	err      error
}

type generator struct {
	comp   Components
	set    Settings
	log    *diag.Logger
	effMax int
}

// generate: 构建提示词 → 生成并校验（带重试）→ 可选精修 → 渲染 → 切分 → 编译 → 校验操作序列。
func (g *generator) generate(ctx context.Context, req contract.Request) *draft {
	d := &draft{req: req, start: time.Now()}
	fid := string(req.FileID)

	pbtimer := g.log.StartWith("prompt_builder", "build", fid, req.ID)
	p, err := g.comp.PromptBuilder.Build(ctx, req)
	if err != nil {
		fail(g.log, "prompt_builder", "build failed", err, pbtimer.Since(), fid, req.ID)
		d.err = fmt.Errorf("prompt build: %w", err)
		return d
	}
	pbtimer.Finish("build", int64(req.NumberOfTasks))
	diag.IncOp("prompt_builder", "finish", "success")

	res, err := g.invokeValidated(ctx, req, p, "generate")
	if err != nil {
		d.err = err
		return d
	}

	if rf, ok := g.comp.PromptBuilder.(contract.Refiner); ok {
		for round := 1; round <= g.set.RefineRounds; round++ {
			res = g.refine(ctx, rf, req, res, round)
		}
	}
	d.record = res.Record

	rtimer := g.log.StartWith("renderer", "render", fid, req.ID)
	d.markdown = g.comp.Renderer.Render(d.record)
	rtimer.Finish("render", int64(len(d.markdown)))
	diag.IncOp("renderer", "finish", "success")

	ctimer := g.log.StartWith("compiler", "compile", fid, req.ID)
	compiler := g.comp.Compiler
	if compiler == nil {
		compiler = docops.New(docops.Options{Logger: g.log.Logr()})
	}
	d.compiled = compiler.Compile(g.comp.Tokenizer.Tokenize(d.markdown), d.markdown)
	if err := docops.Check(d.compiled.Ops, d.compiled.FinalCursor); err != nil {
		fail(g.log, "compiler", "operation sequence rejected", err, ctimer.Since(), fid, req.ID)
		d.err = fmt.Errorf("compile: %w", err)
		return d
	}
	if d.compiled.Fallback {
		g.log.Warn("compiler", docops.DiagFallback, "no formatted operations, raw content inserted", fid, req.ID, nil)
	}
	if n := len(d.compiled.Diagnostics); n > 0 && !d.compiled.Fallback {
		g.log.Warn("compiler", docops.DiagUnrecognizedToken, "tokens skipped", fid, req.ID, map[string]string{
			"count": fmt.Sprintf("%d", n),
		})
	}
	for _, op := range d.compiled.Ops {
		diag.AddOperations(string(op.Kind()), 1)
	}
	ctimer.Finish("compile", int64(len(d.compiled.Ops)))
	diag.IncOp("compiler", "finish", "success")
	return d
}

// refine: 单轮精修；失败时保留上一轮结果。
func (g *generator) refine(ctx context.Context, rf contract.Refiner, req contract.Request, prev assignment.Result, round int) assignment.Result {
	fid := string(req.FileID)
	b, err := assignment.MarshalRecord(prev.Record)
	if err != nil {
		return prev
	}
	p, err := rf.Refine(ctx, req, string(b))
	if err != nil {
		g.log.Warn("prompt_builder", string(diag.Classify(err)), "refine prompt failed, keeping previous", fid, req.ID, nil)
		return prev
	}
	res, err := g.invokeValidated(ctx, req, p, fmt.Sprintf("refine_%d", round))
	if err != nil {
		g.log.Warn("llm_client", string(diag.Classify(err)), "refine round failed, keeping previous", fid, req.ID, map[string]string{
			"round": fmt.Sprintf("%d", round),
		})
		return prev
	}
	return res
}

// invokeValidated: Gate → LLM → Validate，按错误分类重试。
func (g *generator) invokeValidated(ctx context.Context, req contract.Request, p contract.Prompt, stage string) (assignment.Result, error) {
	fid := string(req.FileID)
	tokens := prompt.PromptTokens(p, g.set.BytesPerToken)
	if g.effMax > 0 && tokens > g.effMax {
		err := fmt.Errorf("%w: prompt needs %d tokens, budget %d", contract.ErrBudgetExceeded, tokens, g.effMax)
		fail(g.log, "prompt_builder", "prompt over budget", err, nil, fid, req.ID)
		return assignment.Result{}, err
	}
	backoff := g.set.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	attempts := g.set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		kv := map[string]string{
			"stage":   stage,
			"tokens":  fmt.Sprintf("%d", tokens),
			"attempt": fmt.Sprintf("%d", attempt+1),
		}
		if g.set.Gate != nil {
			g.log.DebugStart("gate", "ask", fid, req.ID, kv)
			if err := g.set.Gate.Wait(ctx, rate.Ask{Key: g.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				fail(g.log, "gate", "wait failed", err, nil, fid, req.ID)
				// Gate 错误不重试（通常为取消或输入非法）
				return assignment.Result{}, fmt.Errorf("gate: %w", err)
			}
		}

		lltimer := g.log.StartWithKV("llm_client", "invoke", fid, req.ID, kv)
		raw, err := g.comp.LLM.Invoke(ctx, p)
		if err != nil {
			fail(g.log, "llm_client", "invoke failed", err, lltimer.Since(), fid, req.ID)
			lastErr = fmt.Errorf("llm invoke: %w", err)
			if attempt+1 < attempts && shouldRetryInvoke(err) {
				_ = sleepWithCtx(ctx, backoff)
				continue
			}
			break
		}
		lltimer.Finish("invoke", int64(tokens))
		diag.IncOp("llm_client", "finish", "success")

		vtimer := g.log.StartWith("validator", "validate", fid, req.ID)
		res, err := assignment.ValidateWith(raw.Text, g.log.Logr().WithValues("file_id", fid, "req_id", req.ID))
		if err != nil {
			fail(g.log, "validator", "validate failed", err, vtimer.Since(), fid, req.ID)
			lastErr = fmt.Errorf("validate: %w", err)
			if attempt+1 < attempts && shouldRetryValidate(err) {
				_ = sleepWithCtx(ctx, backoff)
				continue
			}
			break
		}
		vtimer.Finish("validate", int64(len(res.Record.Tasks)))
		diag.IncOp("validator", "finish", "success")
		return res, nil
	}
	return assignment.Result{}, lastErr
}
