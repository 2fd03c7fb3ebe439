package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"assigndoc/pkg/contract"
)

// LimitKey: 限流分组键（例如 provider+密钥摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now（仅影响 Try/Snapshot）。
// 每个维度为一个令牌桶：容量=每分钟额度，匀速回填。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex // 保证两维度的预留成对发生
	lim Limits
	req *xrate.Limiter // RPM 维度；nil 表示关闭
	tok *xrate.Limiter // TPM 维度；nil 表示关闭
}

func newEntry(lim Limits) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = xrate.NewLimiter(perMinute(lim.RPM), lim.RPM)
	}
	if lim.TPM > 0 {
		e.tok = xrate.NewLimiter(perMinute(lim.TPM), lim.TPM)
	}
	return e
}

func perMinute(n int) xrate.Limit { return xrate.Limit(float64(n) / 60.0) }

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("%w: %d tokens exceeds per-request limit %d", contract.ErrInvalidInput, a.Tokens, e.lim.MaxTokensPerReq)
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return nil, fmt.Errorf("%w: %d tokens exceeds TPM %d", contract.ErrBudgetExceeded, a.Tokens, e.tok.Burst())
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return nil, fmt.Errorf("%w: %d requests exceeds RPM %d", contract.ErrBudgetExceeded, a.Requests, e.req.Burst())
	}
	return e, nil
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	rr := reserve(e.req, now, a.Requests)
	if rr != nil && rr.DelayFrom(now) > 0 {
		rr.CancelAt(now)
		return false
	}
	tr := reserve(e.tok, now, a.Tokens)
	if tr != nil && tr.DelayFrom(now) > 0 {
		tr.CancelAt(now)
		if rr != nil {
			rr.CancelAt(now)
		}
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	now := time.Now()
	e.mu.Lock()
	rr := reserve(e.req, now, a.Requests)
	tr := reserve(e.tok, now, a.Tokens)
	e.mu.Unlock()

	var d time.Duration
	if rr != nil {
		d = rr.DelayFrom(now)
	}
	if tr != nil {
		d = max(d, tr.DelayFrom(now))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		// 归还未使用的额度
		if rr != nil {
			rr.Cancel()
		}
		if tr != nil {
			tr.Cancel()
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func reserve(l *xrate.Limiter, now time.Time, n int) *xrate.Reservation {
	if l == nil || n <= 0 {
		return nil
	}
	return l.ReserveN(now, n)
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req != nil {
		rpmAvail = max(int(e.req.TokensAt(now)), 0)
	}
	if e.tok != nil {
		tpmAvail = max(int(e.tok.TokensAt(now)), 0)
	}
	return
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
